// README: Location value types shared by the registry, buffers and store.
package location

import (
	"time"

	"dispatch/internal/types"
)

// Sample is one GPS fix. It is never modified once buffered.
type Sample struct {
	Position   types.Point
	CapturedAt time.Time
}

// Presence is an actor's connectivity and last known position.
type Presence struct {
	ActorID        types.ID
	Role           types.Role
	Name           string
	DeviceToken    string
	Position       types.Point
	HasPosition    bool
	LastUpdatedAt  time.Time
	Connected      bool
	DisconnectedAt time.Time
}

// NearbyActor is a proximity query hit.
type NearbyActor struct {
	ActorID    types.ID    `json:"id"`
	Role       types.Role  `json:"role"`
	Name       string      `json:"name,omitempty"`
	Position   types.Point `json:"location"`
	DistanceKm float64     `json:"distance_km"`
}

// StoredLocation is the durable last-known position of an actor.
type StoredLocation struct {
	ActorID   types.ID
	Role      types.Role
	Name      string
	Position  types.Point
	UpdatedAt time.Time
}
