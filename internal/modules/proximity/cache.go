// README: Distance cache keyed by worker/requester pair with a single change-threshold gate.
package proximity

import (
	"math"
	"sync"
	"time"

	"dispatch/internal/keylock"
	"dispatch/internal/types"
)

const (
	DefaultSweepInterval     = 10 * time.Second
	DefaultMaxDistanceKm     = 50.0
	DefaultChangeThresholdKm = 0.1
	DefaultPushDebounce      = 500 * time.Millisecond
)

// Pair is an unordered worker/requester pair; the role split makes it
// canonical.
type Pair struct {
	Worker    types.ID
	Requester types.ID
}

type Entry struct {
	DistanceKm        float64
	WorkerLocation    types.Point
	RequesterLocation types.Point
	ComputedAt        time.Time
}

type Decision int

const (
	// Unchanged: cached entry kept, nothing to broadcast.
	Unchanged Decision = iota
	// Broadcast: entry stored, both participants should be told.
	Broadcast
	// Evicted: pair is out of range and no longer cached.
	Evicted
)

// Cache is shared by the periodic sweep and push-triggered refreshes. All
// broadcast decisions go through Evaluate.
type Cache struct {
	maxDistanceKm float64
	thresholdKm   float64
	maxAge        time.Duration

	locks   *keylock.Map[Pair]
	mu      sync.Mutex
	entries map[Pair]Entry
	byActor map[types.ID]map[Pair]struct{}
}

func NewCache(maxDistanceKm, thresholdKm float64, maxAge time.Duration) *Cache {
	if maxDistanceKm <= 0 {
		maxDistanceKm = DefaultMaxDistanceKm
	}
	if thresholdKm <= 0 {
		thresholdKm = DefaultChangeThresholdKm
	}
	if maxAge <= 0 {
		maxAge = DefaultSweepInterval
	}
	return &Cache{
		maxDistanceKm: maxDistanceKm,
		thresholdKm:   thresholdKm,
		maxAge:        maxAge,
		locks:         keylock.New[Pair](),
		entries:       make(map[Pair]Entry),
		byActor:       make(map[types.ID]map[Pair]struct{}),
	}
}

// Evaluate compares a fresh measurement against the cached one and decides
// whether it is worth broadcasting.
func (c *Cache) Evaluate(p Pair, e Entry) Decision {
	unlock := c.locks.Lock(p)
	defer unlock()

	if e.DistanceKm > c.maxDistanceKm {
		c.mu.Lock()
		c.deleteLocked(p)
		c.mu.Unlock()
		return Evicted
	}

	c.mu.Lock()
	prev, ok := c.entries[p]
	c.mu.Unlock()

	if ok && math.Abs(e.DistanceKm-prev.DistanceKm) <= c.thresholdKm && e.ComputedAt.Sub(prev.ComputedAt) <= c.maxAge {
		return Unchanged
	}

	c.mu.Lock()
	c.entries[p] = e
	c.index(p.Worker, p)
	c.index(p.Requester, p)
	c.mu.Unlock()
	return Broadcast
}

func (c *Cache) Get(p Pair) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	return e, ok
}

func (c *Cache) Evict(p Pair) {
	unlock := c.locks.Lock(p)
	defer unlock()
	c.mu.Lock()
	c.deleteLocked(p)
	c.mu.Unlock()
}

// EvictActor drops every pair involving id.
func (c *Cache) EvictActor(id types.ID) int {
	c.mu.Lock()
	pairs := make([]Pair, 0, len(c.byActor[id]))
	for p := range c.byActor[id] {
		pairs = append(pairs, p)
	}
	c.mu.Unlock()

	for _, p := range pairs {
		c.Evict(p)
	}
	return len(pairs)
}

// Retain evicts every pair with a participant for which keep is false.
func (c *Cache) Retain(keep func(types.ID) bool) int {
	c.mu.Lock()
	var stale []Pair
	for p := range c.entries {
		if !keep(p.Worker) || !keep(p.Requester) {
			stale = append(stale, p)
		}
	}
	c.mu.Unlock()

	for _, p := range stale {
		c.Evict(p)
	}
	return len(stale)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) index(id types.ID, p Pair) {
	set, ok := c.byActor[id]
	if !ok {
		set = make(map[Pair]struct{})
		c.byActor[id] = set
	}
	set[p] = struct{}{}
}

func (c *Cache) deleteLocked(p Pair) {
	delete(c.entries, p)
	for _, id := range []types.ID{p.Worker, p.Requester} {
		if set, ok := c.byActor[id]; ok {
			delete(set, p)
			if len(set) == 0 {
				delete(c.byActor, id)
			}
		}
	}
}
