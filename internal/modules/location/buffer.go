// README: Per-actor sample buffers gated by count and elapsed time before persisting.
package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dispatch/internal/apperr"
	"dispatch/internal/keylock"
	"dispatch/internal/types"
)

const (
	DefaultLocationLimit  = 10
	DefaultUpdateInterval = 30 * time.Second
)

// FlushFunc persists the authoritative sample of a buffer.
type FlushFunc func(ctx context.Context, actorID types.ID, s Sample) error

type buffer struct {
	samples     []Sample
	lastFlushAt time.Time
}

// Buffers accumulates samples per actor and persists the newest one only
// when both the count gate and the interval gate pass.
type Buffers struct {
	limit    int
	interval time.Duration
	now      func() time.Time

	locks *keylock.Map[types.ID]
	mu    sync.Mutex
	bufs  map[types.ID]*buffer
}

func NewBuffers(limit int, interval time.Duration) *Buffers {
	if limit <= 0 {
		limit = DefaultLocationLimit
	}
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Buffers{
		limit:    limit,
		interval: interval,
		now:      time.Now,
		locks:    keylock.New[types.ID](),
		bufs:     make(map[types.ID]*buffer),
	}
}

func (b *Buffers) get(actorID types.ID, create bool) *buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.bufs[actorID]
	if !ok && create {
		buf = &buffer{lastFlushAt: b.now()}
		b.bufs[actorID] = buf
	}
	return buf
}

// Append adds s to the actor's buffer and flushes when due. It reports
// whether a flush happened. A failed flush leaves the buffer intact so the
// next passing append retries it.
func (b *Buffers) Append(ctx context.Context, actorID types.ID, s Sample, flush FlushFunc) (bool, error) {
	unlock := b.locks.Lock(actorID)
	defer unlock()

	buf := b.get(actorID, true)
	buf.samples = append(buf.samples, s)

	now := b.now()
	if len(buf.samples) < b.limit || now.Sub(buf.lastFlushAt) < b.interval {
		return false, nil
	}
	if err := b.flushLocked(ctx, actorID, buf, flush); err != nil {
		return false, err
	}
	buf.lastFlushAt = now
	return true, nil
}

// Drain flushes whatever is buffered for actorID, ignoring both gates, and
// forgets the buffer on success.
func (b *Buffers) Drain(ctx context.Context, actorID types.ID, flush FlushFunc) (bool, error) {
	unlock := b.locks.Lock(actorID)
	defer unlock()

	buf := b.get(actorID, false)
	if buf == nil || len(buf.samples) == 0 {
		b.remove(actorID)
		return false, nil
	}
	if err := b.flushLocked(ctx, actorID, buf, flush); err != nil {
		return false, err
	}
	b.remove(actorID)
	return true, nil
}

// Drop discards the actor's buffer without persisting it.
func (b *Buffers) Drop(actorID types.ID) {
	unlock := b.locks.Lock(actorID)
	defer unlock()
	b.remove(actorID)
}

// Len returns the number of samples buffered for actorID.
func (b *Buffers) Len(actorID types.ID) int {
	unlock := b.locks.Lock(actorID)
	defer unlock()
	buf := b.get(actorID, false)
	if buf == nil {
		return 0
	}
	return len(buf.samples)
}

func (b *Buffers) remove(actorID types.ID) {
	b.mu.Lock()
	delete(b.bufs, actorID)
	b.mu.Unlock()
}

func (b *Buffers) flushLocked(ctx context.Context, actorID types.ID, buf *buffer, flush FlushFunc) error {
	last := buf.samples[len(buf.samples)-1]
	if err := flush(ctx, actorID, last); err != nil {
		return fmt.Errorf("%w: flush %s: %v", apperr.ErrPersistence, actorID, err)
	}
	buf.samples = buf.samples[:0]
	return nil
}
