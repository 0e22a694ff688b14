// README: In-memory last-known location store for tests and local runs.
package location

import (
	"context"
	"sync"

	"dispatch/internal/types"
)

// MemoryStore is a Store for tests and for running without Redis.
type MemoryStore struct {
	mu   sync.Mutex
	locs map[types.ID]StoredLocation
	err  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locs: make(map[types.ID]StoredLocation)}
}

func (m *MemoryStore) Save(_ context.Context, loc StoredLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.locs[loc.ActorID] = loc
	return nil
}

func (m *MemoryStore) Get(_ context.Context, actorID types.ID) (StoredLocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locs[actorID]
	return loc, ok, nil
}

func (m *MemoryStore) Nearby(_ context.Context, role types.Role, center types.Point, radiusKm float64) ([]NearbyActor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []NearbyActor{}
	for _, loc := range m.locs {
		if loc.Role != role {
			continue
		}
		dist := DistanceBetween(center, loc.Position)
		if dist <= radiusKm {
			out = append(out, NearbyActor{ActorID: loc.ActorID, Role: loc.Role, Name: loc.Name, Position: loc.Position, DistanceKm: dist})
		}
	}
	sortByDistance(out, func(n NearbyActor) float64 { return n.DistanceKm }, func(n NearbyActor) types.ID { return n.ActorID })
	return out, nil
}

// SetErr makes subsequent saves fail with err (nil clears it).
func (m *MemoryStore) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
