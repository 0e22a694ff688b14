// README: Closed set of server-to-client events and the envelope they travel in.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/apperr"
	"dispatch/internal/modules/location"
	"dispatch/internal/types"
)

type Kind string

const (
	KindTrackingInitialized Kind = "trackingInitialized"
	KindLocationUpdate      Kind = "locationUpdate"
	KindMechanicArrived     Kind = "mechanicArrived"
	KindTrackingCompleted   Kind = "trackingCompleted"
	KindTrackingCancelled   Kind = "trackingCancelled"
	KindDistanceUpdate      Kind = "distance-update"
	KindNearbyResults       Kind = "nearby-results"
	KindError               Kind = "error"
)

// Event is implemented only by the structs in this file.
type Event interface {
	Kind() Kind
}

// SessionView is the wire form of a tracking session.
type SessionView struct {
	SessionID         types.ID    `json:"sessionId"`
	OrderID           types.ID    `json:"orderId"`
	RequesterID       types.ID    `json:"requesterId"`
	WorkerID          types.ID    `json:"workerId"`
	RequesterLocation types.Point `json:"requesterLocation"`
	WorkerLocation    types.Point `json:"workerLocation"`
	DistanceKm        float64     `json:"distanceKm"`
	ETAMinutes        int         `json:"etaMinutes"`
	Status            string      `json:"status"`
	LastUpdatedAt     time.Time   `json:"lastUpdatedAt"`
	ArrivedAt         *time.Time  `json:"arrivedAt,omitempty"`
	ClosedAt          *time.Time  `json:"closedAt,omitempty"`
}

type TrackingInitialized struct {
	Session SessionView `json:"session"`
}

type LocationUpdate struct {
	Session  SessionView `json:"session"`
	ActorID  types.ID    `json:"actorId"`
	Role     types.Role  `json:"role"`
	Location types.Point `json:"location"`
}

type MechanicArrived struct {
	Session   SessionView `json:"session"`
	ArrivedAt time.Time   `json:"arrivedAt"`
}

type TrackingCompleted struct {
	Session SessionView `json:"session"`
	By      types.ID    `json:"by"`
}

type TrackingCancelled struct {
	Session SessionView `json:"session"`
	By      types.ID    `json:"by"`
}

// DistanceUpdate tells one participant how far its counterpart is.
type DistanceUpdate struct {
	ActorID    types.ID    `json:"actorId"`
	Role       types.Role  `json:"role"`
	Name       string      `json:"name,omitempty"`
	DistanceKm float64     `json:"distanceKm"`
	ETAMinutes int         `json:"etaMinutes"`
	Location   types.Point `json:"location"`
}

type NearbyResults struct {
	RadiusKm float64                `json:"radiusKm"`
	Actors   []location.NearbyActor `json:"actors"`
}

// Error is delivered to a single connection in reply to a failed request.
type Error struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Request string      `json:"request,omitempty"`
}

func (TrackingInitialized) Kind() Kind { return KindTrackingInitialized }
func (LocationUpdate) Kind() Kind      { return KindLocationUpdate }
func (MechanicArrived) Kind() Kind     { return KindMechanicArrived }
func (TrackingCompleted) Kind() Kind   { return KindTrackingCompleted }
func (TrackingCancelled) Kind() Kind   { return KindTrackingCancelled }
func (DistanceUpdate) Kind() Kind      { return KindDistanceUpdate }
func (NearbyResults) Kind() Kind       { return KindNearbyResults }
func (Error) Kind() Kind               { return KindError }

// NewError builds an Error event from err using the shared taxonomy.
func NewError(request string, err error) Error {
	return Error{Code: apperr.CodeOf(err), Message: err.Error(), Request: request}
}

// Envelope is what subscribers actually receive.
type Envelope struct {
	ID    string    `json:"id"`
	Event Kind      `json:"event"`
	Data  Event     `json:"data"`
	At    time.Time `json:"at"`
}

// NewEnvelope wraps ev for direct delivery to one client.
func NewEnvelope(ev Event, at time.Time) Envelope {
	return Envelope{
		ID:    uuid.NewString(),
		Event: ev.Kind(),
		Data:  ev,
		At:    at.UTC(),
	}
}

// SessionOf returns the session carried by session lifecycle events.
func SessionOf(ev Event) (SessionView, bool) {
	switch e := ev.(type) {
	case TrackingInitialized:
		return e.Session, true
	case LocationUpdate:
		return e.Session, true
	case MechanicArrived:
		return e.Session, true
	case TrackingCompleted:
		return e.Session, true
	case TrackingCancelled:
		return e.Session, true
	default:
		return SessionView{}, false
	}
}

// ServiceRoom is the per-order room shared by both participants.
func ServiceRoom(orderID types.ID) string {
	return fmt.Sprintf("service:%s", orderID)
}

// ActorRoom is the personal room of a requester or worker.
func ActorRoom(role types.Role, id types.ID) string {
	return fmt.Sprintf("%s:%s", role, id)
}

// SessionRooms lists every room a session transition is published to.
func SessionRooms(s SessionView) []string {
	return []string{
		ServiceRoom(s.OrderID),
		ActorRoom(types.RoleRequester, s.RequesterID),
		ActorRoom(types.RoleWorker, s.WorkerID),
	}
}
