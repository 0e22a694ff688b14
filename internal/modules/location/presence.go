// README: Presence registry tracks connected actors and their latest position.
package location

import (
	"fmt"
	"sync"
	"time"

	"dispatch/internal/apperr"
	"dispatch/internal/types"
)

var ErrActorNotFound = fmt.Errorf("%w: actor presence", apperr.ErrNotFound)

type presenceEntry struct {
	mu sync.Mutex
	p  Presence
}

// Registry owns every Presence record. The map lock only guards membership;
// each record carries its own lock so pushes from different actors never
// wait on one another.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.ID]*presenceEntry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[types.ID]*presenceEntry),
		now:     time.Now,
	}
}

func (r *Registry) entry(id types.ID) (*presenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Connect registers or refreshes an actor. Calling it again is harmless.
func (r *Registry) Connect(actor types.Actor, deviceToken string) Presence {
	r.mu.Lock()
	e, ok := r.entries[actor.ID]
	if !ok {
		e = &presenceEntry{p: Presence{ActorID: actor.ID}}
		r.entries[actor.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.p.Role = actor.Role
	if actor.Name != "" {
		e.p.Name = actor.Name
	}
	if deviceToken != "" {
		e.p.DeviceToken = deviceToken
	}
	e.p.Connected = true
	e.p.DisconnectedAt = time.Time{}
	return e.p
}

// UpdateLocation replaces the last known position of actorID. Only the
// connected owner of actorID may move it.
func (r *Registry) UpdateLocation(caller types.Actor, actorID types.ID, lat, lng float64) (Presence, error) {
	if caller.ID != actorID {
		return Presence{}, fmt.Errorf("%w: %s cannot move %s", apperr.ErrUnauthorized, caller.ID, actorID)
	}
	e, ok := r.entry(actorID)
	if !ok {
		return Presence{}, fmt.Errorf("%w: %s is not connected", apperr.ErrUnauthorized, actorID)
	}
	if err := ValidateCoordinate(lat, lng); err != nil {
		return Presence{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.p.Connected {
		return Presence{}, fmt.Errorf("%w: %s is not connected", apperr.ErrUnauthorized, actorID)
	}
	e.p.Position = types.Point{Lat: lat, Lng: lng}
	e.p.HasPosition = true
	e.p.LastUpdatedAt = r.now()
	return e.p, nil
}

// Disconnect marks the actor offline but keeps its record for a quick
// reconnect. It reports whether the actor was known.
func (r *Registry) Disconnect(id types.ID) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.p.Connected = false
	e.p.DisconnectedAt = r.now()
	return true
}

func (r *Registry) Get(id types.ID) (Presence, bool) {
	e, ok := r.entry(id)
	if !ok {
		return Presence{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, true
}

// Connected returns a snapshot of connected actors of role that have
// reported a position.
func (r *Registry) Connected(role types.Role) []Presence {
	r.mu.RLock()
	entries := make([]*presenceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Presence, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		p := e.p
		e.mu.Unlock()
		if p.Connected && p.HasPosition && p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// Nearby lists connected actors of the opposite role within radiusKm of id,
// nearest first.
func (r *Registry) Nearby(id types.ID, radiusKm float64) ([]NearbyActor, error) {
	self, ok := r.Get(id)
	if !ok || !self.HasPosition {
		return nil, ErrActorNotFound
	}
	other := self.Role.Opposite()
	if other == "" {
		return nil, fmt.Errorf("%w: role %q has no counterpart", apperr.ErrBadRequest, self.Role)
	}

	result := []NearbyActor{}
	for _, p := range r.Connected(other) {
		if p.ActorID == id {
			continue
		}
		dist := DistanceBetween(self.Position, p.Position)
		if dist <= radiusKm {
			result = append(result, NearbyActor{
				ActorID:    p.ActorID,
				Role:       p.Role,
				Name:       p.Name,
				Position:   p.Position,
				DistanceKm: dist,
			})
		}
	}
	sortByDistance(result, func(n NearbyActor) float64 { return n.DistanceKm }, func(n NearbyActor) types.ID { return n.ActorID })
	return result, nil
}

// Reap removes actors that have been disconnected for at least grace and
// returns their final records.
func (r *Registry) Reap(grace time.Duration) []Presence {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []Presence
	for id, e := range r.entries {
		e.mu.Lock()
		expired := !e.p.Connected && now.Sub(e.p.DisconnectedAt) >= grace
		p := e.p
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			reaped = append(reaped, p)
		}
	}
	return reaped
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
