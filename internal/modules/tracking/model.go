// README: Tracking session aggregate, status flow and history entries.
package tracking

import (
	"fmt"
	"time"

	"dispatch/internal/apperr"
	"dispatch/internal/events"
	"dispatch/internal/types"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusArrived    Status = "arrived"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrSessionNotFound  = fmt.Errorf("%w: tracking session", apperr.ErrNotFound)
	ErrNoActiveSession  = fmt.Errorf("%w: no active tracking session", apperr.ErrNotFound)
	ErrLocationNotFound = fmt.Errorf("%w: participant location unknown", apperr.ErrNotFound)
	ErrSessionExists    = fmt.Errorf("%w: tracking session already active", apperr.ErrConflict)
	ErrInvalidState     = fmt.Errorf("%w: invalid tracking state transition", apperr.ErrConflict)
	ErrVersionConflict  = fmt.Errorf("%w: tracking session changed concurrently", apperr.ErrConflict)
	ErrNotParticipant   = fmt.Errorf("%w: not a participant of this order", apperr.ErrUnauthorized)
)

// AllowedTransitions represents the session state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusArrived, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusArrived, StatusCompleted, StatusCancelled},
	StatusArrived:    {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Session struct {
	ID                types.ID
	OrderID           types.ID
	RequesterID       types.ID
	WorkerID          types.ID
	RequesterLocation types.Point
	WorkerLocation    types.Point
	DistanceKm        float64
	ETAMinutes        int
	Status            Status
	Version           int
	CreatedAt         time.Time
	LastUpdatedAt     time.Time
	ArrivedAt         *time.Time
	ClosedAt          *time.Time
}

// HistoryEntry is one accepted location push. Entries are never changed.
type HistoryEntry struct {
	ID         int64          `json:"id"`
	SessionID  types.ID       `json:"sessionId"`
	ActorID    types.ID       `json:"actorId"`
	Role       types.Role     `json:"role"`
	Location   types.Point    `json:"location"`
	DistanceKm float64        `json:"distanceKm"`
	Status     Status         `json:"status"`
	CapturedAt time.Time      `json:"capturedAt"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// RoleOf reports which side of the session id is on.
func (s *Session) RoleOf(id types.ID) (types.Role, bool) {
	switch id {
	case s.RequesterID:
		return types.RoleRequester, true
	case s.WorkerID:
		return types.RoleWorker, true
	default:
		return "", false
	}
}

func (s *Session) View() events.SessionView {
	return events.SessionView{
		SessionID:         s.ID,
		OrderID:           s.OrderID,
		RequesterID:       s.RequesterID,
		WorkerID:          s.WorkerID,
		RequesterLocation: s.RequesterLocation,
		WorkerLocation:    s.WorkerLocation,
		DistanceKm:        s.DistanceKm,
		ETAMinutes:        s.ETAMinutes,
		Status:            string(s.Status),
		LastUpdatedAt:     s.LastUpdatedAt,
		ArrivedAt:         s.ArrivedAt,
		ClosedAt:          s.ClosedAt,
	}
}

func (s *Session) clone() *Session {
	c := *s
	if s.ArrivedAt != nil {
		t := *s.ArrivedAt
		c.ArrivedAt = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
