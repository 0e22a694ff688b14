// README: Proximity service runs the periodic sweep and debounced per-push refreshes over the shared cache.
package proximity

import (
	"context"
	"log"
	"sync"
	"time"

	"dispatch/internal/events"
	"dispatch/internal/modules/location"
	"dispatch/internal/types"
)

// Presences is the read side of the presence registry.
type Presences interface {
	Connected(role types.Role) []location.Presence
	Get(id types.ID) (location.Presence, bool)
}

type Config struct {
	SweepInterval     time.Duration
	MaxDistanceKm     float64
	ChangeThresholdKm float64
	PushDebounce      time.Duration
	SpeedKmh          float64
}

type Service struct {
	cfg       Config
	cache     *Cache
	presences Presences
	publisher events.Publisher
	now       func() time.Time

	mu     sync.Mutex
	timers map[types.ID]*time.Timer
}

func NewService(presences Presences, publisher events.Publisher, cfg Config) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.PushDebounce <= 0 {
		cfg.PushDebounce = DefaultPushDebounce
	}
	return &Service{
		cfg:       cfg,
		cache:     NewCache(cfg.MaxDistanceKm, cfg.ChangeThresholdKm, cfg.SweepInterval),
		presences: presences,
		publisher: publisher,
		now:       time.Now,
		timers:    make(map[types.ID]*time.Timer),
	}
}

func (s *Service) Cache() *Cache {
	return s.cache
}

func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evaluates every connected worker against every connected requester.
// Pairs whose participants went offline are evicted first.
func (s *Service) Sweep() {
	workers := s.presences.Connected(types.RoleWorker)
	requesters := s.presences.Connected(types.RoleRequester)

	online := make(map[types.ID]bool, len(workers)+len(requesters))
	for _, p := range workers {
		online[p.ActorID] = true
	}
	for _, p := range requesters {
		online[p.ActorID] = true
	}
	s.cache.Retain(func(id types.ID) bool { return online[id] })

	for _, w := range workers {
		for _, r := range requesters {
			s.evaluatePair(w, r)
		}
	}
}

// OnPush schedules a refresh of the pusher's pairs. Pushes arriving while a
// refresh is pending are folded into it; the refresh reads the latest
// positions when it fires.
func (s *Service) OnPush(p location.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.timers[p.ActorID]; pending {
		return
	}
	id := p.ActorID
	s.timers[id] = time.AfterFunc(s.cfg.PushDebounce, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.RefreshActor(id)
	})
}

// OnDisconnect cancels any pending refresh and evicts the actor's pairs.
func (s *Service) OnDisconnect(id types.ID) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cache.EvictActor(id)
}

// RefreshActor evaluates id against every connected counterpart.
func (s *Service) RefreshActor(id types.ID) {
	self, ok := s.presences.Get(id)
	if !ok || !self.Connected || !self.HasPosition {
		return
	}
	other := self.Role.Opposite()
	if other == "" {
		return
	}
	for _, p := range s.presences.Connected(other) {
		if self.Role == types.RoleWorker {
			s.evaluatePair(self, p)
		} else {
			s.evaluatePair(p, self)
		}
	}
}

func (s *Service) evaluatePair(w, r location.Presence) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("proximity pair %s/%s failed: %v", w.ActorID, r.ActorID, rec)
		}
	}()

	w, ok := s.current(w)
	if !ok {
		return
	}
	r, ok = s.current(r)
	if !ok {
		return
	}

	dist := location.DistanceBetween(w.Position, r.Position)
	entry := Entry{
		DistanceKm:        dist,
		WorkerLocation:    w.Position,
		RequesterLocation: r.Position,
		ComputedAt:        s.now(),
	}
	if s.cache.Evaluate(Pair{Worker: w.ActorID, Requester: r.ActorID}, entry) != Broadcast {
		return
	}

	eta := location.ETA(dist, s.cfg.SpeedKmh)
	s.publisher.Publish(events.DistanceUpdate{
		ActorID:    r.ActorID,
		Role:       r.Role,
		Name:       r.Name,
		DistanceKm: dist,
		ETAMinutes: eta,
		Location:   r.Position,
	}, events.ActorRoom(types.RoleWorker, w.ActorID))
	s.publisher.Publish(events.DistanceUpdate{
		ActorID:    w.ActorID,
		Role:       w.Role,
		Name:       w.Name,
		DistanceKm: dist,
		ETAMinutes: eta,
		Location:   w.Position,
	}, events.ActorRoom(types.RoleRequester, r.ActorID))
}

// current re-reads a presence so a pair evaluated from an older snapshot
// never overwrites a fresher position.
func (s *Service) current(p location.Presence) (location.Presence, bool) {
	cur, ok := s.presences.Get(p.ActorID)
	if !ok || !cur.Connected || !cur.HasPosition {
		return location.Presence{}, false
	}
	return cur, true
}

func (s *Service) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
