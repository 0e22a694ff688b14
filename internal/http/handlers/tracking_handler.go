// README: Tracking session handlers (initialize, location pushes, reads, close).
package handlers

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dispatch/internal/apperr"
	"dispatch/internal/events"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/types"
)

// RoadETA estimates driving time over the road network.
type RoadETA interface {
	DrivingETA(ctx context.Context, origin, destination types.Point) (time.Duration, float64, error)
}

type TrackingHandler struct {
	tracking  *tracking.Service
	locations *location.Service
	roads     RoadETA
}

// NewTrackingHandler wires the handler. roads may be nil.
func NewTrackingHandler(svc *tracking.Service, locations *location.Service, roads RoadETA) *TrackingHandler {
	return &TrackingHandler{tracking: svc, locations: locations, roads: roads}
}

type locationReq struct {
	Lon  *float64       `json:"lon"`
	Lat  *float64       `json:"lat"`
	Meta map[string]any `json:"meta"`
}

type sessionResponse struct {
	events.SessionView
	RoadETAMinutes *int     `json:"roadEtaMinutes,omitempty"`
	RoadDistanceKm *float64 `json:"roadDistanceKm,omitempty"`
	Warning        string   `json:"warning,omitempty"`
}

func (h *TrackingHandler) Initialize(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	sess, err := h.tracking.Initialize(c.Request.Context(), caller(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, sessionResponse{SessionView: sess.View()})
}

func (h *TrackingHandler) WorkerLocation(c *gin.Context) {
	h.updateLocation(c, types.RoleWorker)
}

func (h *TrackingHandler) RequesterLocation(c *gin.Context) {
	h.updateLocation(c, types.RoleRequester)
}

func (h *TrackingHandler) updateLocation(c *gin.Context, role types.Role) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeAppError(c, fmt.Errorf("%w: lat and lon are required", apperr.ErrInvalidCoordinate))
		return
	}
	actor := caller(c)
	sess, err := h.tracking.UpdateLocation(c.Request.Context(), actor, tracking.LocationCommand{
		OrderID:  id,
		Role:     role,
		Location: types.Point{Lat: *req.Lat, Lng: *req.Lon},
		Meta:     req.Meta,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}

	resp := sessionResponse{SessionView: sess.View()}
	// Session accepted the caller as the role's participant; keep presence
	// and the last-known store in step with it.
	if h.locations != nil {
		actor.Role = role
		res, err := h.locations.Record(c.Request.Context(), actor, *req.Lat, *req.Lon)
		switch {
		case err != nil:
			log.Printf("presence update for %s on order %s failed: %v", actor.ID, id, err)
			resp.Warning = err.Error()
		case res.FlushErr != nil:
			resp.Warning = res.FlushErr.Error()
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

// Get returns the latest session. With road_eta=1 and a maps client it also
// reports the driving estimate; a maps failure only drops those fields.
func (h *TrackingHandler) Get(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	sess, err := h.tracking.GetInfo(c.Request.Context(), caller(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	resp := sessionResponse{SessionView: sess.View()}
	if c.Query("road_eta") == "1" && h.roads != nil && !sess.Status.Terminal() {
		d, km, err := h.roads.DrivingETA(c.Request.Context(), sess.WorkerLocation, sess.RequesterLocation)
		if err != nil {
			log.Printf("road eta for order %s: %v", id, err)
		} else {
			minutes := int(math.Ceil(d.Minutes()))
			resp.RoadETAMinutes = &minutes
			resp.RoadDistanceKm = &km
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *TrackingHandler) History(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	history, err := h.tracking.GetHistory(c.Request.Context(), caller(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if history == nil {
		history = []tracking.HistoryEntry{}
	}
	writeJSON(c, http.StatusOK, gin.H{"orderId": id, "history": history})
}

func (h *TrackingHandler) Complete(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	sess, err := h.tracking.Complete(c.Request.Context(), caller(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sessionResponse{SessionView: sess.View()})
}

func (h *TrackingHandler) Cancel(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	sess, err := h.tracking.Cancel(c.Request.Context(), caller(c), id)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sessionResponse{SessionView: sess.View()})
}
