package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	amqp "github.com/rabbitmq/amqp091-go"

	"dispatch/internal/types"
)

type fakeChannel struct {
	mu        sync.Mutex
	exchanges []string
	keys      []string
	msgs      []amqp.Publishing
	err       error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.exchanges = append(f.exchanges, exchange)
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []*messaging.Message
}

func (f *fakeMessenger) Send(_ context.Context, msg *messaging.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return "projects/test/messages/1", nil
}

func TestAMQPRelayPublishesSessionEvents(t *testing.T) {
	ch := &fakeChannel{}
	relay := NewAMQPRelay(ch, "")

	if relay.Accepts(KindDistanceUpdate) || relay.Accepts(KindError) {
		t.Fatalf("relay must ignore non-session events")
	}
	env := Envelope{ID: "e1", Event: KindMechanicArrived, Data: MechanicArrived{Session: testSession()}, At: time.Now()}
	if err := relay.Handle(context.Background(), nil, env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ch.exchanges[0] != DefaultExchange || ch.keys[0] != "tracking.mechanicArrived" {
		t.Fatalf("unexpected route %s %s", ch.exchanges[0], ch.keys[0])
	}
	msg := ch.msgs[0]
	if msg.Headers["order_id"] != "o1" || msg.MessageId != "e1" {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	var decoded struct {
		Event string `json:"event"`
		Data  struct {
			Session struct {
				OrderID string `json:"orderId"`
			} `json:"session"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Event != "mechanicArrived" || decoded.Data.Session.OrderID != "o1" {
		t.Fatalf("unexpected body %s", msg.Body)
	}
}

func TestAMQPRelayWrapsPublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	relay := NewAMQPRelay(ch, "custom")
	env := Envelope{ID: "e1", Event: KindTrackingCompleted, Data: TrackingCompleted{Session: testSession()}}
	err := relay.Handle(context.Background(), nil, env)
	if err == nil || !strings.Contains(err.Error(), "channel closed") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestAsyncTapRunsSinkAndFilters(t *testing.T) {
	ch := &fakeChannel{}
	tap := NewAsyncTap(NewAMQPRelay(ch, ""), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tap.Run(ctx)

	bus := NewBus()
	bus.AddTap(tap)
	bus.Publish(TrackingInitialized{Session: testSession()}, "service:o1")
	bus.Publish(DistanceUpdate{ActorID: "m1"}, "worker:m1")
	bus.Publish(TrackingCompleted{Session: testSession()}, "service:o1")

	deadline := time.Now().Add(2 * time.Second)
	for ch.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ch.count() != 2 {
		t.Fatalf("expected 2 relayed events, got %d", ch.count())
	}
}

func TestAsyncTapDropsWhenFull(t *testing.T) {
	tap := NewAsyncTap(NewAMQPRelay(&fakeChannel{}, ""), 1)
	env := Envelope{Event: KindLocationUpdate, Data: LocationUpdate{Session: testSession()}}
	tap.Observe(nil, env)
	tap.Observe(nil, env)
	if len(tap.queue) != 1 {
		t.Fatalf("expected queue capped at 1, got %d", len(tap.queue))
	}
}

func TestFCMNotifierSendsArrivalToRequester(t *testing.T) {
	msgr := &fakeMessenger{}
	tokens := map[types.ID]string{"u1": "device-u1"}
	n := NewFCMNotifier(msgr, func(id types.ID) string { return tokens[id] })

	if !n.Accepts(KindMechanicArrived) || n.Accepts(KindLocationUpdate) {
		t.Fatalf("notifier must only accept arrivals")
	}
	s := testSession()
	s.DistanceKm = 0.05
	env := Envelope{Event: KindMechanicArrived, Data: MechanicArrived{Session: s}}
	if err := n.Handle(context.Background(), nil, env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(msgr.sent) != 1 {
		t.Fatalf("expected one push, got %d", len(msgr.sent))
	}
	msg := msgr.sent[0]
	if msg.Token != "device-u1" || msg.Data["order_id"] != "o1" || msg.Data["distance_km"] != "0.05" {
		t.Fatalf("unexpected message %+v", msg)
	}

	delete(tokens, "u1")
	if err := n.Handle(context.Background(), nil, env); err != nil {
		t.Fatalf("missing token must be skipped: %v", err)
	}
	if len(msgr.sent) != 1 {
		t.Fatalf("expected no push without a device token")
	}
}
