package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dispatch/internal/apperr"
	"dispatch/internal/events"
	"dispatch/internal/infra"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/proximity"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/types"
)

type stubVerifier struct {
	tokens map[string]*infra.VerifiedToken
}

func (s stubVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.VerifiedToken, error) {
	tok, ok := s.tokens[raw]
	if !ok {
		return nil, errors.New("bad token")
	}
	return tok, nil
}

type harness struct {
	server    *httptest.Server
	locations *location.Service
	tracking  *tracking.Service
}

func newHarness(t *testing.T, withProximity bool) *harness {
	t.Helper()
	verifier := stubVerifier{tokens: map[string]*infra.VerifiedToken{
		"tok-u1": {UID: "u1", Claims: map[string]interface{}{"role": "requester", "name": "Rahim"}},
		"tok-m1": {UID: "m1", Claims: map[string]interface{}{"role": "worker", "name": "Karim"}},
		"tok-x1": {UID: "x1", Claims: map[string]interface{}{}},
	}}

	registry := location.NewRegistry()
	locations := location.NewService(registry, location.NewBuffers(10, 30*time.Second), location.NewMemoryStore())
	bus := events.NewBus()
	if withProximity {
		locations.AddObserver(proximity.NewService(registry, bus, proximity.Config{PushDebounce: 10 * time.Millisecond}))
	}
	orders := order.NewMemoryStore()
	worker := types.ID("m1")
	orders.Put(order.Order{ID: "o1", RequesterID: "u1", WorkerID: &worker, Status: order.StatusAssigned})
	trk := tracking.NewService(tracking.NewMemoryStore(), order.NewDirectory(orders), locations, bus, tracking.Config{})

	srv := httptest.NewServer(NewGateway(verifier, locations, trk, bus, Config{}))
	t.Cleanup(srv.Close)
	return &harness{server: srv, locations: locations, tracking: trk}
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "data": data}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

type received struct {
	Event events.Kind     `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func next(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expectError(t *testing.T, conn *websocket.Conn, code apperr.Code) {
	t.Helper()
	msg := next(t, conn)
	if msg.Event != events.KindError {
		t.Fatalf("expected error event, got %s", msg.Event)
	}
	var body events.Error
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, body.Code, body.Message)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) hasPosition(id types.ID) func() bool {
	return func() bool {
		p, ok := h.locations.Presence(id)
		return ok && p.HasPosition
	}
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	h := newHarness(t, false)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestGatewayRequiresConnectFirst(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "tok-u1")
	send(t, conn, msgGetNearby, map[string]any{})
	expectError(t, conn, apperr.CodeUnauthorized)
}

func TestGatewayRejectsRoleMismatch(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "tok-u1")
	send(t, conn, msgConnect, map[string]any{"role": "worker"})
	expectError(t, conn, apperr.CodeUnauthorized)
}

func TestGatewayRejectsInvalidCoordinate(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "tok-m1")
	send(t, conn, msgConnect, map[string]any{"role": "worker"})
	send(t, conn, msgUpdateLocation, map[string]any{"role": "worker", "lat": 91, "lon": 90.4})
	expectError(t, conn, apperr.CodeInvalidCoordinate)

	if p, ok := h.locations.Presence("m1"); !ok || p.HasPosition {
		t.Fatalf("invalid push must not reach presence: %+v", p)
	}
}

func TestGatewayNearby(t *testing.T) {
	h := newHarness(t, false)
	worker := h.dial(t, "tok-m1")
	send(t, worker, msgConnect, map[string]any{"role": "worker"})
	send(t, worker, msgUpdateLocation, map[string]any{"role": "worker", "lat": 23.8107, "lon": 90.4129})
	waitFor(t, h.hasPosition("m1"))

	requester := h.dial(t, "tok-u1")
	send(t, requester, msgConnect, map[string]any{"role": "requester"})
	send(t, requester, msgUpdateLocation, map[string]any{"role": "requester", "lat": 23.8103, "lon": 90.4125})
	send(t, requester, msgGetNearby, map[string]any{"radiusKm": 5})

	msg := next(t, requester)
	if msg.Event != events.KindNearbyResults {
		t.Fatalf("expected nearby-results, got %s", msg.Event)
	}
	var res struct {
		RadiusKm float64 `json:"radiusKm"`
		Actors   []struct {
			ID         types.ID `json:"id"`
			DistanceKm float64  `json:"distance_km"`
		} `json:"actors"`
	}
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RadiusKm != 5 || len(res.Actors) != 1 || res.Actors[0].ID != "m1" {
		t.Fatalf("unexpected results %+v", res)
	}
	if res.Actors[0].DistanceKm != 0.06 {
		t.Fatalf("expected 0.06 km, got %v", res.Actors[0].DistanceKm)
	}
}

func TestGatewayJoinServiceRoomRequiresParticipant(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "tok-x1")
	send(t, conn, msgConnect, map[string]any{"role": "worker"})
	send(t, conn, msgJoinServiceRoom, map[string]any{"orderId": "o1"})
	expectError(t, conn, apperr.CodeUnauthorized)
}

func TestGatewayTrackingFlow(t *testing.T) {
	h := newHarness(t, false)

	requester := h.dial(t, "tok-u1")
	send(t, requester, msgConnect, map[string]any{"role": "requester"})
	send(t, requester, msgUpdateLocation, map[string]any{"role": "requester", "lat": 23.8103, "lon": 90.4125})
	send(t, requester, msgJoinServiceRoom, map[string]any{"orderId": "o1"})

	worker := h.dial(t, "tok-m1")
	send(t, worker, msgConnect, map[string]any{"role": "worker"})
	send(t, worker, msgUpdateLocation, map[string]any{"role": "worker", "lat": 23.85, "lon": 90.4125})

	waitFor(t, h.hasPosition("u1"))
	waitFor(t, h.hasPosition("m1"))

	sess, err := h.tracking.Initialize(context.Background(), types.Actor{ID: "u1", Role: types.RoleRequester}, "o1")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if sess.Status != tracking.StatusPending {
		t.Fatalf("expected pending, got %s", sess.Status)
	}
	if msg := next(t, requester); msg.Event != events.KindTrackingInitialized {
		t.Fatalf("expected trackingInitialized, got %s", msg.Event)
	}

	send(t, worker, msgUpdateLocation, map[string]any{
		"orderId": "o1", "role": "worker", "lat": 23.8107, "lon": 90.4129,
		"meta": map[string]any{"speed": 12},
	})

	var update events.LocationUpdate
	msg := next(t, requester)
	if msg.Event != events.KindLocationUpdate {
		t.Fatalf("expected locationUpdate, got %s", msg.Event)
	}
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if update.Session.Status != string(tracking.StatusArrived) || update.ActorID != "m1" {
		t.Fatalf("unexpected update %+v", update)
	}
	if msg := next(t, requester); msg.Event != events.KindMechanicArrived {
		t.Fatalf("expected mechanicArrived, got %s", msg.Event)
	}

	history, err := h.tracking.GetHistory(context.Background(), types.Actor{ID: "u1", Role: types.RoleRequester}, "o1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Meta["speed"] != float64(12) {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestGatewayDisconnectMarksActorOffline(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t, "tok-m1")
	send(t, conn, msgConnect, map[string]any{"role": "worker"})
	send(t, conn, msgUpdateLocation, map[string]any{"role": "worker", "lat": 23.8107, "lon": 90.4129})
	waitFor(t, h.hasPosition("m1"))

	_ = conn.Close()
	waitFor(t, func() bool {
		p, ok := h.locations.Presence("m1")
		return ok && !p.Connected
	})
}

func TestGatewayDistanceUpdatesReachBothSides(t *testing.T) {
	h := newHarness(t, true)

	worker := h.dial(t, "tok-m1")
	send(t, worker, msgConnect, map[string]any{"role": "worker"})
	send(t, worker, msgUpdateLocation, map[string]any{"role": "worker", "lat": 23.85, "lon": 90.4125})
	waitFor(t, h.hasPosition("m1"))

	requester := h.dial(t, "tok-u1")
	send(t, requester, msgConnect, map[string]any{"role": "requester"})
	send(t, requester, msgUpdateLocation, map[string]any{"role": "requester", "lat": 23.8103, "lon": 90.4125})

	var toRequester, toWorker events.DistanceUpdate
	msg := next(t, requester)
	if msg.Event != events.KindDistanceUpdate {
		t.Fatalf("requester: expected distance-update, got %s", msg.Event)
	}
	_ = json.Unmarshal(msg.Data, &toRequester)
	msg = next(t, worker)
	if msg.Event != events.KindDistanceUpdate {
		t.Fatalf("worker: expected distance-update, got %s", msg.Event)
	}
	_ = json.Unmarshal(msg.Data, &toWorker)

	if toRequester.ActorID != "m1" || toRequester.DistanceKm != 4.41 || toRequester.ETAMinutes != 9 {
		t.Fatalf("unexpected requester update %+v", toRequester)
	}
	if toWorker.ActorID != "u1" || toWorker.Name != "Rahim" || toWorker.DistanceKm != 4.41 {
		t.Fatalf("unexpected worker update %+v", toWorker)
	}
}

func TestReconnectDuringReleaseStaysOnline(t *testing.T) {
	locations := location.NewService(location.NewRegistry(), location.NewBuffers(10, 30*time.Second), location.NewMemoryStore())
	g := NewGateway(stubVerifier{}, locations, nil, events.NewBus(), Config{})
	token := &infra.VerifiedToken{UID: "m1", Claims: map[string]interface{}{"role": "worker"}}
	req := connectRequest{Role: types.RoleWorker}

	for i := 0; i < 500; i++ {
		old := newClient("old", nil, token)
		if err := g.connect(old, req); err != nil {
			t.Fatalf("connect old: %v", err)
		}
		fresh := newClient("fresh", nil, token)

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make(chan error, 1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			g.release(old)
		}()
		go func() {
			defer wg.Done()
			<-start
			errs <- g.connect(fresh, req)
		}()
		close(start)
		wg.Wait()
		if err := <-errs; err != nil {
			t.Fatalf("connect fresh: %v", err)
		}

		p, ok := locations.Presence("m1")
		if !ok || !p.Connected {
			t.Fatalf("iteration %d: actor with a live socket went offline", i)
		}
		g.release(fresh)
		if p, _ := locations.Presence("m1"); p.Connected {
			t.Fatalf("iteration %d: actor without sockets still online", i)
		}
	}
}
