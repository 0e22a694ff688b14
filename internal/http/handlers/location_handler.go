// README: Location handlers; nearby mechanic search over live and last-known positions.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/location"
	"dispatch/internal/types"
)

type LocationHandler struct {
	location      *location.Service
	defaultRadius float64
}

func NewLocationHandler(svc *location.Service, defaultRadiusKm float64) *LocationHandler {
	if defaultRadiusKm <= 0 {
		defaultRadiusKm = 10
	}
	return &LocationHandler{location: svc, defaultRadius: defaultRadiusKm}
}

func (h *LocationHandler) NearbyMechanics(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lon, errLon := strconv.ParseFloat(c.Query("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(c, http.StatusBadRequest, "lat and lon must be numbers")
		return
	}
	if err := location.ValidateCoordinate(lat, lon); err != nil {
		writeAppError(c, err)
		return
	}
	radius := h.defaultRadius
	if v := c.Query("radius_km"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			writeError(c, http.StatusBadRequest, "radius_km must be a positive number")
			return
		}
		radius = r
	}

	hits, err := h.location.NearbyWorkers(c.Request.Context(), types.Point{Lat: lat, Lng: lon}, radius)
	if err != nil {
		writeAppError(c, err)
		return
	}
	if hits == nil {
		hits = []location.NearbyActor{}
	}
	writeJSON(c, http.StatusOK, gin.H{"radiusKm": radius, "mechanics": hits})
}
