package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DISPATCH_AUTH_JWT_SECRET", "dev-secret")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Auth.Mode != AuthModeJWT {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Tracking.LocationLimit != 10 || cfg.Tracking.UpdateInterval != 30*time.Second {
		t.Fatalf("unexpected tracking defaults %+v", cfg.Tracking)
	}
	if cfg.Proximity.SweepInterval != 10*time.Second || cfg.Proximity.MaxDistanceKm != 50 || cfg.Proximity.PushDebounce != 500*time.Millisecond {
		t.Fatalf("unexpected proximity defaults %+v", cfg.Proximity)
	}
	if cfg.Presence.Grace != 5*time.Minute || cfg.AMQP.Exchange != "dispatch.tracking" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Presence, cfg.AMQP)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_AUTH_JWT_SECRET", "dev-secret")
	t.Setenv("DISPATCH_TRACKING_LOCATION_LIMIT", "3")
	t.Setenv("DISPATCH_TRACKING_UPDATE_INTERVAL", "5s")
	t.Setenv("DISPATCH_REDIS_ADDR", "redis:6379")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracking.LocationLimit != 3 || cfg.Tracking.UpdateInterval != 5*time.Second || cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestFromEnvValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"jwt without secret", map[string]string{}, "JWTSecret"},
		{"unknown auth mode", map[string]string{"DISPATCH_AUTH_MODE": "basic"}, "Mode"},
		{"firebase without project", map[string]string{"DISPATCH_AUTH_MODE": "firebase"}, "PROJECT_ID"},
		{"zero limit", map[string]string{"DISPATCH_AUTH_JWT_SECRET": "x", "DISPATCH_TRACKING_LOCATION_LIMIT": "0"}, "LocationLimit"},
		{"bad duration", map[string]string{"DISPATCH_AUTH_JWT_SECRET": "x", "DISPATCH_PRESENCE_GRACE": "soon"}, "GRACE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
