// README: Tracking session store backed by PostgreSQL with optimistic versioning.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/apperr"
	"dispatch/internal/types"
)

const uniqueViolation = "23505"

// Store persists sessions and their append-only history.
type Store interface {
	// Create inserts s; ErrSessionExists when the order already has a
	// non-terminal session.
	Create(ctx context.Context, s *Session) error
	// GetLatest returns the most recent session of an order, terminal or not.
	GetLatest(ctx context.Context, orderID types.ID) (*Session, error)
	// Update writes s if its stored version still equals expectedVersion and
	// appends entry in the same unit of work. On success s.Version advances.
	Update(ctx context.Context, s *Session, expectedVersion int, entry *HistoryEntry) (bool, error)
	History(ctx context.Context, sessionID types.ID) ([]HistoryEntry, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tracking_sessions (
			id, order_id, requester_id, worker_id,
			requester_lat, requester_lng, worker_lat, worker_lng,
			distance_km, eta_minutes, status, version,
			created_at, last_updated_at, arrived_at, closed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16
		)`,
		string(sess.ID), string(sess.OrderID), string(sess.RequesterID), string(sess.WorkerID),
		sess.RequesterLocation.Lat, sess.RequesterLocation.Lng, sess.WorkerLocation.Lat, sess.WorkerLocation.Lng,
		sess.DistanceKm, sess.ETAMinutes, string(sess.Status), sess.Version,
		sess.CreatedAt, sess.LastUpdatedAt, sess.ArrivedAt, sess.ClosedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrSessionExists
	}
	if err != nil {
		return persistErr("create session", err)
	}
	return nil
}

func (s *PGStore) GetLatest(ctx context.Context, orderID types.ID) (*Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, order_id, requester_id, worker_id,
		       requester_lat, requester_lng, worker_lat, worker_lng,
		       distance_km, eta_minutes, status, version,
		       created_at, last_updated_at, arrived_at, closed_at
		FROM tracking_sessions
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, string(orderID),
	)

	var sess Session
	err := row.Scan(
		&sess.ID, &sess.OrderID, &sess.RequesterID, &sess.WorkerID,
		&sess.RequesterLocation.Lat, &sess.RequesterLocation.Lng, &sess.WorkerLocation.Lat, &sess.WorkerLocation.Lng,
		&sess.DistanceKm, &sess.ETAMinutes, &sess.Status, &sess.Version,
		&sess.CreatedAt, &sess.LastUpdatedAt, &sess.ArrivedAt, &sess.ClosedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, persistErr("get session", err)
	}
	return &sess, nil
}

func (s *PGStore) Update(ctx context.Context, sess *Session, expectedVersion int, entry *HistoryEntry) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, persistErr("begin", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tracking_sessions
		SET requester_lat = $1,
		    requester_lng = $2,
		    worker_lat = $3,
		    worker_lng = $4,
		    distance_km = $5,
		    eta_minutes = $6,
		    status = $7,
		    version = version + 1,
		    last_updated_at = $8,
		    arrived_at = $9,
		    closed_at = $10
		WHERE id = $11 AND version = $12`,
		sess.RequesterLocation.Lat, sess.RequesterLocation.Lng,
		sess.WorkerLocation.Lat, sess.WorkerLocation.Lng,
		sess.DistanceKm, sess.ETAMinutes, string(sess.Status),
		sess.LastUpdatedAt, sess.ArrivedAt, sess.ClosedAt,
		string(sess.ID), expectedVersion,
	)
	if err != nil {
		return false, persistErr("update session", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if entry != nil {
		meta, err := json.Marshal(entry.Meta)
		if err != nil {
			return false, fmt.Errorf("%w: encode history meta: %v", apperr.ErrBadRequest, err)
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO tracking_history (
				session_id, actor_id, role, lat, lng, distance_km, status, captured_at, meta
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			string(sess.ID), string(entry.ActorID), string(entry.Role),
			entry.Location.Lat, entry.Location.Lng, entry.DistanceKm, string(entry.Status),
			entry.CapturedAt, meta,
		).Scan(&entry.ID); err != nil {
			return false, persistErr("append history", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, persistErr("commit", err)
	}
	sess.Version = expectedVersion + 1
	return true, nil
}

func (s *PGStore) History(ctx context.Context, sessionID types.ID) ([]HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, actor_id, role, lat, lng, distance_km, status, captured_at, meta
		FROM tracking_history
		WHERE session_id = $1
		ORDER BY id ASC`, string(sessionID),
	)
	if err != nil {
		return nil, persistErr("list history", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var meta []byte
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.ActorID, &e.Role, &e.Location.Lat, &e.Location.Lng,
			&e.DistanceKm, &e.Status, &e.CapturedAt, &meta,
		); err != nil {
			return nil, persistErr("scan history", err)
		}
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, persistErr("decode history meta", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list history", err)
	}
	return out, nil
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrPersistence, op, err)
}
