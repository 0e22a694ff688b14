// Package apperr defines the error taxonomy shared by HTTP and realtime callers.
package apperr

import "errors"

type Code string

const (
	CodeUnauthorized      Code = "unauthorized"
	CodeInvalidCoordinate Code = "invalid_coordinate"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodePersistence       Code = "persistence_failure"
	CodeBadRequest        Code = "bad_request"
	CodeInternal          Code = "internal"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPersistence       = errors.New("persistence failure")
	ErrBadRequest        = errors.New("bad request")
)

// CodeOf classifies err into the taxonomy. Unknown errors are internal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidCoordinate):
		return CodeInvalidCoordinate
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
