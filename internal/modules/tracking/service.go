// README: Tracking service implements the session state machine and publishes every transition.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/apperr"
	"dispatch/internal/events"
	"dispatch/internal/keylock"
	"dispatch/internal/modules/location"
	"dispatch/internal/types"
)

const (
	DefaultArrivalThresholdKm = 0.1
	maxUpdateAttempts         = 3
)

// Positions resolves the freshest known position of an actor.
type Positions interface {
	Position(ctx context.Context, actorID types.ID) (types.Point, bool, error)
}

// Orders resolves who takes part in an order.
type Orders interface {
	Participants(ctx context.Context, orderID types.ID) (requester, worker types.ID, err error)
}

type Config struct {
	ArrivalThresholdKm float64
	SpeedKmh           float64
}

type Service struct {
	store     Store
	orders    Orders
	positions Positions
	publisher events.Publisher
	cfg       Config
	locks     *keylock.Map[types.ID]
	now       func() time.Time
}

func NewService(store Store, orders Orders, positions Positions, publisher events.Publisher, cfg Config) *Service {
	if cfg.ArrivalThresholdKm <= 0 {
		cfg.ArrivalThresholdKm = DefaultArrivalThresholdKm
	}
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = location.DefaultSpeedKmh
	}
	return &Service{
		store:     store,
		orders:    orders,
		positions: positions,
		publisher: publisher,
		cfg:       cfg,
		locks:     keylock.New[types.ID](),
		now:       time.Now,
	}
}

type LocationCommand struct {
	OrderID  types.ID
	Role     types.Role
	Location types.Point
	Meta     map[string]any
}

// Initialize opens a pending session for orderID from both participants'
// latest known positions.
func (s *Service) Initialize(ctx context.Context, caller types.Actor, orderID types.ID) (*Session, error) {
	requesterID, workerID, err := s.orders.Participants(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if caller.ID != requesterID && !caller.IsOperator() {
		return nil, fmt.Errorf("%w: only the requester may start tracking", apperr.ErrUnauthorized)
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	latest, err := s.store.GetLatest(ctx, orderID)
	switch {
	case err == nil && !latest.Status.Terminal():
		return nil, ErrSessionExists
	case err != nil && !errors.Is(err, ErrSessionNotFound):
		return nil, err
	}

	requesterPos, err := s.position(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	workerPos, err := s.position(ctx, workerID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	dist := location.DistanceBetween(workerPos, requesterPos)
	sess := &Session{
		ID:                types.ID(uuid.NewString()),
		OrderID:           orderID,
		RequesterID:       requesterID,
		WorkerID:          workerID,
		RequesterLocation: requesterPos,
		WorkerLocation:    workerPos,
		DistanceKm:        dist,
		ETAMinutes:        location.ETA(dist, s.cfg.SpeedKmh),
		Status:            StatusPending,
		Version:           1,
		CreatedAt:         now,
		LastUpdatedAt:     now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.publish(events.TrackingInitialized{Session: sess.View()}, sess)
	return sess, nil
}

func (s *Service) position(ctx context.Context, id types.ID) (types.Point, error) {
	p, ok, err := s.positions.Position(ctx, id)
	if err != nil {
		return types.Point{}, err
	}
	if !ok {
		return types.Point{}, fmt.Errorf("%w: %s", ErrLocationNotFound, id)
	}
	return p, nil
}

func (s *Service) UpdateWorkerLocation(ctx context.Context, caller types.Actor, orderID types.ID, p types.Point) (*Session, error) {
	return s.UpdateLocation(ctx, caller, LocationCommand{OrderID: orderID, Role: types.RoleWorker, Location: p})
}

func (s *Service) UpdateRequesterLocation(ctx context.Context, caller types.Actor, orderID types.ID, p types.Point) (*Session, error) {
	return s.UpdateLocation(ctx, caller, LocationCommand{OrderID: orderID, Role: types.RoleRequester, Location: p})
}

// UpdateLocation records one side's new position, recomputes distance and
// ETA, and moves the session to arrived the first time the worker is within
// the arrival threshold.
func (s *Service) UpdateLocation(ctx context.Context, caller types.Actor, cmd LocationCommand) (*Session, error) {
	if err := location.ValidateCoordinate(cmd.Location.Lat, cmd.Location.Lng); err != nil {
		return nil, err
	}
	if !cmd.Role.Tracked() {
		return nil, fmt.Errorf("%w: role %q cannot push locations", apperr.ErrBadRequest, cmd.Role)
	}

	unlock := s.locks.Lock(cmd.OrderID)
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		sess, err := s.activeSession(ctx, cmd.OrderID)
		if err != nil {
			return nil, err
		}
		if role, ok := sess.RoleOf(caller.ID); !ok || role != cmd.Role {
			return nil, ErrNotParticipant
		}

		prev := sess.Status
		now := s.now().UTC()
		if cmd.Role == types.RoleWorker {
			sess.WorkerLocation = cmd.Location
		} else {
			sess.RequesterLocation = cmd.Location
		}
		sess.DistanceKm = location.DistanceBetween(sess.WorkerLocation, sess.RequesterLocation)
		sess.ETAMinutes = location.ETA(sess.DistanceKm, s.cfg.SpeedKmh)
		sess.LastUpdatedAt = now

		arrived := false
		switch {
		case sess.Status != StatusArrived && sess.DistanceKm <= s.cfg.ArrivalThresholdKm:
			sess.Status = StatusArrived
			sess.ArrivedAt = &now
			arrived = true
		case sess.Status == StatusPending:
			sess.Status = StatusInProgress
		}

		entry := &HistoryEntry{
			SessionID:  sess.ID,
			ActorID:    caller.ID,
			Role:       cmd.Role,
			Location:   cmd.Location,
			DistanceKm: sess.DistanceKm,
			Status:     sess.Status,
			CapturedAt: now,
			Meta:       cmd.Meta,
		}
		ok, err := s.store.Update(ctx, sess, sess.Version, entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		view := sess.View()
		s.publish(events.LocationUpdate{Session: view, ActorID: caller.ID, Role: cmd.Role, Location: cmd.Location}, sess)
		if arrived && prev != StatusArrived {
			s.publish(events.MechanicArrived{Session: view, ArrivedAt: now}, sess)
		}
		return sess, nil
	}
	return nil, ErrVersionConflict
}

func (s *Service) activeSession(ctx context.Context, orderID types.ID) (*Session, error) {
	sess, err := s.store.GetLatest(ctx, orderID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, ErrNoActiveSession
	}
	return sess, nil
}

func (s *Service) Complete(ctx context.Context, caller types.Actor, orderID types.ID) (*Session, error) {
	return s.close(ctx, caller, orderID, StatusCompleted)
}

func (s *Service) Cancel(ctx context.Context, caller types.Actor, orderID types.ID) (*Session, error) {
	return s.close(ctx, caller, orderID, StatusCancelled)
}

// close moves the session to a terminal status. Repeating the same close is
// a successful no-op without an event.
func (s *Service) close(ctx context.Context, caller types.Actor, orderID types.ID, to Status) (*Session, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		sess, err := s.store.GetLatest(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := authorize(caller, sess); err != nil {
			return nil, err
		}
		if sess.Status == to {
			return sess, nil
		}
		if !CanTransition(sess.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, sess.Status, to)
		}

		now := s.now().UTC()
		sess.Status = to
		sess.LastUpdatedAt = now
		sess.ClosedAt = &now
		ok, err := s.store.Update(ctx, sess, sess.Version, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if to == StatusCompleted {
			s.publish(events.TrackingCompleted{Session: sess.View(), By: caller.ID}, sess)
		} else {
			s.publish(events.TrackingCancelled{Session: sess.View(), By: caller.ID}, sess)
		}
		return sess, nil
	}
	return nil, ErrVersionConflict
}

// GetInfo returns the latest session of the order, including closed ones.
func (s *Service) GetInfo(ctx context.Context, caller types.Actor, orderID types.ID) (*Session, error) {
	sess, err := s.store.GetLatest(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(caller, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) GetHistory(ctx context.Context, caller types.Actor, orderID types.ID) ([]HistoryEntry, error) {
	sess, err := s.GetInfo(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	return s.store.History(ctx, sess.ID)
}

// AuthorizeRoom reports whether caller may join the service room of orderID.
func (s *Service) AuthorizeRoom(ctx context.Context, caller types.Actor, orderID types.ID) error {
	if caller.IsOperator() {
		return nil
	}
	requesterID, workerID, err := s.orders.Participants(ctx, orderID)
	if err != nil {
		return err
	}
	if caller.ID != requesterID && caller.ID != workerID {
		return ErrNotParticipant
	}
	return nil
}

func authorize(caller types.Actor, sess *Session) error {
	if caller.IsOperator() {
		return nil
	}
	if _, ok := sess.RoleOf(caller.ID); !ok {
		return ErrNotParticipant
	}
	return nil
}

func (s *Service) publish(ev events.Event, sess *Session) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ev, events.SessionRooms(sess.View())...)
}
