// README: RabbitMQ connection with retry and topic exchange declaration.
package infra

import (
	"fmt"
	"log"
	"math"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpDialAttempts = 5

type RabbitMQ struct {
	Conn *amqp.Connection
	Chan *amqp.Channel
}

// NewRabbitMQ dials url with exponential backoff and declares a durable
// topic exchange.
func NewRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	var conn *amqp.Connection
	var err error
	for i := 1; i <= amqpDialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Printf("rabbitmq dial attempt %d failed: %v", i, err)
		if i < amqpDialAttempts {
			time.Sleep(time.Second * time.Duration(math.Pow(2, float64(i-1))))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	log.Printf("connected to rabbitmq, exchange %s", exchange)
	return &RabbitMQ{Conn: conn, Chan: ch}, nil
}

func (r *RabbitMQ) Close() {
	if r.Chan != nil {
		_ = r.Chan.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
}
