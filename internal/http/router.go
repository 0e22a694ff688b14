// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/handlers"
	"dispatch/internal/http/middleware"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	health := handlers.NewHealthHandler(deps.DB, deps.Redis)
	r.GET("/health", health.Check)

	if deps.Gateway != nil {
		r.GET("/ws", gin.WrapH(deps.Gateway))
	}

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	trackingHandler := handlers.NewTrackingHandler(deps.Tracking, deps.Location, deps.Roads)
	tracking := api.Group("/tracking/:orderId")
	tracking.POST("/initialize", trackingHandler.Initialize)
	tracking.PUT("/worker-location", trackingHandler.WorkerLocation)
	tracking.PUT("/requester-location", trackingHandler.RequesterLocation)
	tracking.GET("", trackingHandler.Get)
	tracking.GET("/history", trackingHandler.History)
	tracking.POST("/complete", trackingHandler.Complete)
	tracking.POST("/cancel", trackingHandler.Cancel)

	locationHandler := handlers.NewLocationHandler(deps.Location, deps.NearbyRadiusKm)
	api.GET("/mechanics/nearby", locationHandler.NearbyMechanics)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
