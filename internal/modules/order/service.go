// README: Order directory answers participant lookups for tracking and room authorization.
package order

import (
	"context"
	"errors"
	"fmt"

	"dispatch/internal/apperr"
	"dispatch/internal/types"
)

type Directory struct {
	store Store
}

func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) Get(ctx context.Context, id types.ID) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: order id required", apperr.ErrBadRequest)
	}
	o, err := d.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: load order %s: %v", apperr.ErrPersistence, id, err)
	}
	return o, err
}

// Participants returns the requester and the assigned worker of an order.
func (d *Directory) Participants(ctx context.Context, orderID types.ID) (types.ID, types.ID, error) {
	o, err := d.Get(ctx, orderID)
	if err != nil {
		return "", "", err
	}
	if o.WorkerID == nil || *o.WorkerID == "" {
		return "", "", ErrNoWorker
	}
	return o.RequesterID, *o.WorkerID, nil
}
