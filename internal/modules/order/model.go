// README: Order record as seen by tracking: who requested it and which worker took it.
package order

import (
	"fmt"
	"time"

	"dispatch/internal/apperr"
	"dispatch/internal/types"
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusAssigned  Status = "assigned"
	StatusInService Status = "in_service"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound = fmt.Errorf("%w: order", apperr.ErrNotFound)
	ErrNoWorker = fmt.Errorf("%w: order has no assigned worker", apperr.ErrConflict)
)

type Order struct {
	ID          types.ID
	RequesterID types.ID
	WorkerID    *types.ID
	Status      Status
	CreatedAt   time.Time
}
