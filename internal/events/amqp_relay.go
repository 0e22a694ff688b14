// README: AMQP relay publishes domain events to the RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange  = "dispatch.tracking"
	routingKeyFormat = "tracking.%s"
)

// AMQPChannel is the subset of *amqp.Channel the relay needs.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPRelay mirrors session lifecycle events to a topic exchange.
type AMQPRelay struct {
	ch       AMQPChannel
	exchange string
}

func NewAMQPRelay(ch AMQPChannel, exchange string) *AMQPRelay {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPRelay{ch: ch, exchange: exchange}
}

func (r *AMQPRelay) Name() string { return "amqp relay" }

func (r *AMQPRelay) Accepts(kind Kind) bool {
	switch kind {
	case KindTrackingInitialized, KindLocationUpdate, KindMechanicArrived, KindTrackingCompleted, KindTrackingCancelled:
		return true
	}
	return false
}

func (r *AMQPRelay) Handle(ctx context.Context, _ []string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	headers := amqp.Table{}
	if s, ok := SessionOf(env.Data); ok {
		headers["order_id"] = string(s.OrderID)
	}
	if err := r.ch.PublishWithContext(ctx, r.exchange, RoutingKey(env.Event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.At,
		Headers:      headers,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", env.Event, err)
	}
	return nil
}

func RoutingKey(kind Kind) string {
	return fmt.Sprintf(routingKeyFormat, kind)
}
