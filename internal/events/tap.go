// README: Async tap that queues bus publications for an outside sink (AMQP relay, FCM notifier).
package events

import (
	"context"
	"log"
)

const defaultTapQueue = 1024

// Sink handles envelopes off the publishing goroutine.
type Sink interface {
	Name() string
	Accepts(kind Kind) bool
	Handle(ctx context.Context, rooms []string, env Envelope) error
}

type tapItem struct {
	rooms []string
	env   Envelope
}

// AsyncTap queues envelopes for a Sink and drops them when the queue is
// full, so a slow broker never stalls fan-out.
type AsyncTap struct {
	sink  Sink
	queue chan tapItem
}

func NewAsyncTap(sink Sink, size int) *AsyncTap {
	if size <= 0 {
		size = defaultTapQueue
	}
	return &AsyncTap{sink: sink, queue: make(chan tapItem, size)}
}

func (t *AsyncTap) Observe(rooms []string, env Envelope) {
	if !t.sink.Accepts(env.Event) {
		return
	}
	select {
	case t.queue <- tapItem{rooms: rooms, env: env}:
	default:
		log.Printf("%s queue full, dropping %s %s", t.sink.Name(), env.Event, env.ID)
	}
}

// Run drains the queue until ctx is done.
func (t *AsyncTap) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-t.queue:
			if err := t.sink.Handle(ctx, item.rooms, item.env); err != nil {
				log.Printf("%s failed for %s %s: %v", t.sink.Name(), item.env.Event, item.env.ID, err)
			}
		}
	}
}
