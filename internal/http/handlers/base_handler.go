// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/apperr"
	"dispatch/internal/http/middleware"
	"dispatch/internal/types"
)

type errorResponse struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code,omitempty"`
}

// Pinger is anything the health check can probe (Postgres pool, Redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// isValidID accepts uuids and other short opaque ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func orderID(c *gin.Context) (types.ID, bool) {
	id := c.Param("orderId")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return types.ID(id), true
}

func caller(c *gin.Context) types.Actor {
	return middleware.CallerActor(c)
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeAppError maps the shared error taxonomy onto HTTP statuses.
func writeAppError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeUnauthorized:
		status = http.StatusForbidden
	case apperr.CodeInvalidCoordinate, apperr.CodeBadRequest:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeConflict:
		status = http.StatusConflict
	case apperr.CodePersistence:
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

type HealthHandler struct {
	db    Pinger
	redis Pinger
}

func NewHealthHandler(db, redis Pinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

// Check reports 503 when a configured backend does not answer.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx := c.Request.Context()
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "error", "db": err.Error()})
			return
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "error", "redis": err.Error()})
			return
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
