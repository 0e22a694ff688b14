// README: Order store backed by PostgreSQL (read path plus upsert for seeding).
package order

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/types"
)

type Store interface {
	Get(ctx context.Context, id types.ID) (*Order, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, requester_id, worker_id, status, created_at
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	var workerID *string
	err := row.Scan(&o.ID, &o.RequesterID, &workerID, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if workerID != nil {
		w := types.ID(*workerID)
		o.WorkerID = &w
	}
	return &o, nil
}

func (s *PGStore) Upsert(ctx context.Context, o *Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (id, requester_id, worker_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET requester_id = EXCLUDED.requester_id,
		    worker_id = EXCLUDED.worker_id,
		    status = EXCLUDED.status`,
		string(o.ID), string(o.RequesterID), toStringPtr(o.WorkerID), string(o.Status), o.CreatedAt,
	)
	return err
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

// MemoryStore serves orders from process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[types.ID]Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[types.ID]Order)}
}

func (m *MemoryStore) Put(o Order) {
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}
