// README: Room-based publish/subscribe bus; delivery is best effort and never blocks publishers.
package events

import (
	"sync"
	"time"
)

// Subscriber receives envelopes. Deliver must not block; returning false
// means the envelope was dropped.
type Subscriber interface {
	SubscriberID() string
	Deliver(env Envelope) bool
}

// Tap observes every published envelope, e.g. to relay it off-process.
type Tap interface {
	Observe(rooms []string, env Envelope)
}

// Publisher is the narrow interface modules publish through.
type Publisher interface {
	Publish(ev Event, rooms ...string) int
}

type Bus struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Subscriber
	joined map[string]map[string]struct{}
	taps   []Tap
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		rooms:  make(map[string]map[string]Subscriber),
		joined: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// AddTap registers t. Call before publishing.
func (b *Bus) AddTap(t Tap) {
	b.mu.Lock()
	b.taps = append(b.taps, t)
	b.mu.Unlock()
}

func (b *Bus) Join(room string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]Subscriber)
		b.rooms[room] = members
	}
	id := sub.SubscriberID()
	members[id] = sub
	if b.joined[id] == nil {
		b.joined[id] = make(map[string]struct{})
	}
	b.joined[id][room] = struct{}{}
}

func (b *Bus) Leave(room, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(room, subID)
}

// LeaveAll removes subID from every room it joined.
func (b *Bus) LeaveAll(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room := range b.joined[subID] {
		b.leaveLocked(room, subID)
	}
	delete(b.joined, subID)
}

func (b *Bus) leaveLocked(room, subID string) {
	if members, ok := b.rooms[room]; ok {
		delete(members, subID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	if rooms, ok := b.joined[subID]; ok {
		delete(rooms, room)
	}
}

// Members returns the subscriber ids currently in room.
func (b *Bus) Members(room string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Publish delivers ev once to every subscriber of any of rooms, even when a
// subscriber sits in several of them. It returns the number of deliveries.
func (b *Bus) Publish(ev Event, rooms ...string) int {
	env := NewEnvelope(ev, b.now())

	b.mu.RLock()
	targets := make(map[string]Subscriber)
	for _, room := range rooms {
		for id, sub := range b.rooms[room] {
			targets[id] = sub
		}
	}
	taps := b.taps
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Deliver(env) {
			delivered++
		}
	}
	for _, t := range taps {
		t.Observe(rooms, env)
	}
	return delivered
}
