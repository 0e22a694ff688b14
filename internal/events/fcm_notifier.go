// README: FCM sink that pushes an arrival notification to the requester device.
package events

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"firebase.google.com/go/v4/messaging"

	"dispatch/internal/types"
)

// Messenger is the subset of *messaging.Client used for pushes.
type Messenger interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// TokenLookup resolves the device token an actor registered on connect.
type TokenLookup func(actorID types.ID) string

// FCMNotifier pushes an arrival notification to the requester's device.
type FCMNotifier struct {
	client Messenger
	tokens TokenLookup
}

func NewFCMNotifier(client Messenger, tokens TokenLookup) *FCMNotifier {
	return &FCMNotifier{client: client, tokens: tokens}
}

func (n *FCMNotifier) Name() string { return "fcm notifier" }

func (n *FCMNotifier) Accepts(kind Kind) bool {
	return kind == KindMechanicArrived
}

func (n *FCMNotifier) Handle(ctx context.Context, _ []string, env Envelope) error {
	arrived, ok := env.Data.(MechanicArrived)
	if !ok {
		return nil
	}
	s := arrived.Session
	token := n.tokens(s.RequesterID)
	if token == "" {
		return nil
	}

	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":        string(KindMechanicArrived),
			"order_id":    string(s.OrderID),
			"worker_id":   string(s.WorkerID),
			"distance_km": strconv.FormatFloat(s.DistanceKm, 'f', 2, 64),
			"worker_lat":  strconv.FormatFloat(s.WorkerLocation.Lat, 'f', 6, 64),
			"worker_lng":  strconv.FormatFloat(s.WorkerLocation.Lng, 'f', 6, 64),
		},
		Notification: &messaging.Notification{
			Title: "Your mechanic has arrived",
			Body:  fmt.Sprintf("Your mechanic is %.0f m away", s.DistanceKm*1000),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := n.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM for order %s: %w", s.OrderID, err)
	}
	log.Printf("FCM sent for order %s, message_id=%s", s.OrderID, messageID)
	return nil
}
