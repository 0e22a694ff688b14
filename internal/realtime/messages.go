// README: Client-to-server websocket message shapes.
package realtime

import (
	"encoding/json"

	"dispatch/internal/types"
)

const (
	msgConnect          = "connect"
	msgJoinServiceRoom  = "joinServiceRoom"
	msgJoinPersonalRoom = "joinPersonalRoom"
	msgUpdateLocation   = "updateLocation"
	msgGetNearby        = "getNearby"
)

// inbound is the frame every client message arrives in.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type connectRequest struct {
	Role        types.Role `json:"role"`
	DeviceToken string     `json:"deviceToken"`
}

type joinServiceRoomRequest struct {
	OrderID types.ID `json:"orderId"`
}

type joinPersonalRoomRequest struct {
	ActorID types.ID `json:"actorId"`
}

type updateLocationRequest struct {
	OrderID types.ID       `json:"orderId"`
	Role    types.Role     `json:"role"`
	Lon     *float64       `json:"lon"`
	Lat     *float64       `json:"lat"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type getNearbyRequest struct {
	RadiusKm float64 `json:"radiusKm"`
}
