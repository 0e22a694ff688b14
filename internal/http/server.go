// README: API gateway; builds the HTTP server and runs it until shutdown.
package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"dispatch/internal/http/handlers"
	"dispatch/internal/infra"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/tracking"
)

type ServerDeps struct {
	Verifier       infra.TokenVerifier
	Tracking       *tracking.Service
	Location       *location.Service
	Roads          handlers.RoadETA
	Gateway        http.Handler
	DB             handlers.Pinger
	Redis          handlers.Pinger
	NearbyRadiusKm float64
}

type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

func NewServer(addr string, shutdownTimeout time.Duration, deps ServerDeps) *Server {
	return &Server{
		srv:             &http.Server{Addr: addr, Handler: NewRouter(deps)},
		shutdownTimeout: shutdownTimeout,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("http listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
