// README: Location service ties presence, buffering and the last-known store together for each GPS push.
package location

import (
	"context"
	"fmt"
	"log"
	"time"

	"dispatch/internal/apperr"
	"dispatch/internal/types"
)

const (
	DefaultPresenceGrace  = 5 * time.Minute
	DefaultReaperInterval = 30 * time.Second
)

// PushObserver is told about every accepted push and every disconnect.
// Implementations must not block.
type PushObserver interface {
	OnPush(p Presence)
	OnDisconnect(actorID types.ID)
}

// PushResult describes what happened to an accepted push. FlushErr is a soft
// failure: the position was still applied in memory.
type PushResult struct {
	Presence Presence
	Flushed  bool
	FlushErr error
}

type Service struct {
	registry  *Registry
	buffers   *Buffers
	store     Store
	observers []PushObserver
	now       func() time.Time
}

func NewService(registry *Registry, buffers *Buffers, store Store) *Service {
	return &Service{
		registry: registry,
		buffers:  buffers,
		store:    store,
		now:      time.Now,
	}
}

// AddObserver registers o. Call before serving traffic.
func (s *Service) AddObserver(o PushObserver) {
	s.observers = append(s.observers, o)
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Connect marks actor online. Only requesters and workers carry a presence.
func (s *Service) Connect(actor types.Actor, deviceToken string) (Presence, error) {
	if actor.ID == "" || !actor.Role.Tracked() {
		return Presence{}, fmt.Errorf("%w: role %q is not tracked", apperr.ErrBadRequest, actor.Role)
	}
	return s.registry.Connect(actor, deviceToken), nil
}

// Disconnect marks the actor offline and drops its proximity state. The
// buffer and any tracking session are left untouched.
func (s *Service) Disconnect(actorID types.ID) {
	if !s.registry.Disconnect(actorID) {
		return
	}
	for _, o := range s.observers {
		o.OnDisconnect(actorID)
	}
}

// Push applies a GPS fix from caller. Validation and ownership errors are
// returned directly; persistence trouble is reported in PushResult.FlushErr.
func (s *Service) Push(ctx context.Context, caller types.Actor, lat, lng float64) (PushResult, error) {
	p, err := s.registry.UpdateLocation(caller, caller.ID, lat, lng)
	if err != nil {
		return PushResult{}, err
	}

	sample := Sample{Position: p.Position, CapturedAt: p.LastUpdatedAt}
	flushed, flushErr := s.buffers.Append(ctx, p.ActorID, sample, s.flushFunc(p))
	if flushErr != nil {
		log.Printf("location flush failed for %s: %v", p.ActorID, flushErr)
	}

	for _, o := range s.observers {
		o.OnPush(p)
	}
	return PushResult{Presence: p, Flushed: flushed, FlushErr: flushErr}, nil
}

// Record applies a fix reported outside a socket. A connected actor goes
// through Push; otherwise the fix is written straight to the last-known
// store and a failed write comes back as FlushErr.
func (s *Service) Record(ctx context.Context, actor types.Actor, lat, lng float64) (PushResult, error) {
	if p, ok := s.registry.Get(actor.ID); ok && p.Connected {
		return s.Push(ctx, actor, lat, lng)
	}
	if actor.ID == "" || !actor.Role.Tracked() {
		return PushResult{}, fmt.Errorf("%w: role %q is not tracked", apperr.ErrBadRequest, actor.Role)
	}
	if err := ValidateCoordinate(lat, lng); err != nil {
		return PushResult{}, err
	}

	p := Presence{
		ActorID:       actor.ID,
		Role:          actor.Role,
		Name:          actor.Name,
		Position:      types.Point{Lat: lat, Lng: lng},
		HasPosition:   true,
		LastUpdatedAt: s.now().UTC(),
	}
	sample := Sample{Position: p.Position, CapturedAt: p.LastUpdatedAt}
	if err := s.flushFunc(p)(ctx, p.ActorID, sample); err != nil {
		err = fmt.Errorf("%w: save location %s: %v", apperr.ErrPersistence, p.ActorID, err)
		log.Printf("location record failed for %s: %v", p.ActorID, err)
		return PushResult{Presence: p, FlushErr: err}, nil
	}
	return PushResult{Presence: p, Flushed: true}, nil
}

func (s *Service) flushFunc(p Presence) FlushFunc {
	return func(ctx context.Context, actorID types.ID, sample Sample) error {
		return s.store.Save(ctx, StoredLocation{
			ActorID:   actorID,
			Role:      p.Role,
			Name:      p.Name,
			Position:  sample.Position,
			UpdatedAt: sample.CapturedAt,
		})
	}
}

func (s *Service) Nearby(actorID types.ID, radiusKm float64) ([]NearbyActor, error) {
	if radiusKm <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", apperr.ErrBadRequest)
	}
	return s.registry.Nearby(actorID, radiusKm)
}

func (s *Service) Presence(actorID types.ID) (Presence, bool) {
	return s.registry.Get(actorID)
}

// Position returns the freshest known position of actorID. A connected
// presence wins outright; a lingering offline one competes with the
// last-known store on timestamp.
func (s *Service) Position(ctx context.Context, actorID types.ID) (types.Point, bool, error) {
	p, live := s.registry.Get(actorID)
	live = live && p.HasPosition
	if live && p.Connected {
		return p.Position, true, nil
	}
	loc, ok, err := s.store.Get(ctx, actorID)
	if err != nil {
		if live {
			return p.Position, true, nil
		}
		return types.Point{}, false, fmt.Errorf("%w: load location %s: %v", apperr.ErrPersistence, actorID, err)
	}
	switch {
	case live && (!ok || !loc.UpdatedAt.After(p.LastUpdatedAt)):
		return p.Position, true, nil
	case ok:
		return loc.Position, true, nil
	}
	return types.Point{}, false, nil
}

// NearbyWorkers lists workers around center. Live positions of connected
// workers win over stored ones.
func (s *Service) NearbyWorkers(ctx context.Context, center types.Point, radiusKm float64) ([]NearbyActor, error) {
	if err := ValidateCoordinate(center.Lat, center.Lng); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", apperr.ErrBadRequest)
	}

	out := []NearbyActor{}
	seen := make(map[types.ID]bool)
	for _, p := range s.registry.Connected(types.RoleWorker) {
		seen[p.ActorID] = true
		dist := DistanceBetween(center, p.Position)
		if dist <= radiusKm {
			out = append(out, NearbyActor{ActorID: p.ActorID, Role: p.Role, Name: p.Name, Position: p.Position, DistanceKm: dist})
		}
	}

	stored, err := s.store.Nearby(ctx, types.RoleWorker, center, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("%w: nearby workers: %v", apperr.ErrPersistence, err)
	}
	for _, n := range stored {
		if seen[n.ActorID] {
			continue
		}
		if p, ok := s.registry.Get(n.ActorID); ok && !p.Connected {
			continue
		}
		out = append(out, n)
	}
	sortByDistance(out, func(n NearbyActor) float64 { return n.DistanceKm }, func(n NearbyActor) types.ID { return n.ActorID })
	return out, nil
}

// DeviceToken returns the push token supplied by actorID on connect.
func (s *Service) DeviceToken(actorID types.ID) string {
	p, _ := s.registry.Get(actorID)
	return p.DeviceToken
}

// Reap purges actors disconnected for longer than grace, persisting any
// buffered sample first.
func (s *Service) Reap(ctx context.Context, grace time.Duration) int {
	reaped := s.registry.Reap(grace)
	for _, p := range reaped {
		if _, err := s.buffers.Drain(ctx, p.ActorID, s.flushFunc(p)); err != nil {
			log.Printf("location drain failed for %s: %v", p.ActorID, err)
			s.buffers.Drop(p.ActorID)
		}
	}
	return len(reaped)
}

func (s *Service) RunReaper(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if grace <= 0 {
		grace = DefaultPresenceGrace
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Reap(ctx, grace); n > 0 {
				log.Printf("presence reaper purged %d actors", n)
			}
		}
	}
}
