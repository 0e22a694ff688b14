// README: Config loader; reads DISPATCH_* env vars (optionally from .env) and validates them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "DISPATCH"

const (
	AuthModeFirebase = "firebase"
	AuthModeJWT      = "jwt"
)

type HTTPConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080" validate:"required"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s" validate:"gt=0"`
}

type AuthConfig struct {
	Mode      string `envconfig:"MODE" default:"jwt" validate:"oneof=firebase jwt"`
	JWTSecret string `envconfig:"JWT_SECRET" validate:"required_if=Mode jwt"`
}

type FirebaseConfig struct {
	ProjectID       string `envconfig:"PROJECT_ID"`
	CredentialsFile string `envconfig:"CREDENTIALS_FILE"`
	// Push enables FCM arrival notifications.
	Push bool `envconfig:"PUSH" default:"false"`
}

type AMQPConfig struct {
	URL      string `envconfig:"URL"`
	Exchange string `envconfig:"EXCHANGE" default:"dispatch.tracking" validate:"required"`
}

type TrackingConfig struct {
	LocationLimit      int           `envconfig:"LOCATION_LIMIT" default:"10" validate:"min=1"`
	UpdateInterval     time.Duration `envconfig:"UPDATE_INTERVAL" default:"30s" validate:"gt=0"`
	ArrivalThresholdKm float64       `envconfig:"ARRIVAL_THRESHOLD_KM" default:"0.1" validate:"gt=0"`
	SpeedKmh           float64       `envconfig:"SPEED_KMH" default:"30" validate:"gt=0"`
}

type ProximityConfig struct {
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s" validate:"gt=0"`
	MaxDistanceKm     float64       `envconfig:"MAX_DISTANCE_KM" default:"50" validate:"gt=0"`
	ChangeThresholdKm float64       `envconfig:"CHANGE_THRESHOLD_KM" default:"0.1" validate:"gt=0"`
	PushDebounce      time.Duration `envconfig:"PUSH_DEBOUNCE" default:"500ms" validate:"gt=0"`
	NearbyRadiusKm    float64       `envconfig:"NEARBY_RADIUS_KM" default:"10" validate:"gt=0"`
}

type PresenceConfig struct {
	Grace          time.Duration `envconfig:"GRACE" default:"5m" validate:"gt=0"`
	ReaperInterval time.Duration `envconfig:"REAPER_INTERVAL" default:"30s" validate:"gt=0"`
}

type Config struct {
	HTTP HTTPConfig
	DB   struct {
		// Empty DSN runs tracking and orders in memory.
		DSN string `envconfig:"DSN"`
	}
	Redis struct {
		// Empty address keeps last-known locations in memory.
		Addr string `envconfig:"ADDR"`
	}
	Auth     AuthConfig
	Firebase FirebaseConfig
	AMQP     AMQPConfig
	Maps     struct {
		APIKey string `envconfig:"API_KEY"`
	}
	Tracking  TrackingConfig
	Proximity ProximityConfig
	Presence  PresenceConfig
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads and validates the configuration from the environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Auth.Mode == AuthModeFirebase && cfg.Firebase.ProjectID == "" {
		return errors.New("invalid config: DISPATCH_FIREBASE_PROJECT_ID is required when DISPATCH_AUTH_MODE=firebase")
	}
	if cfg.Firebase.Push && cfg.Firebase.ProjectID == "" {
		return errors.New("invalid config: DISPATCH_FIREBASE_PROJECT_ID is required when DISPATCH_FIREBASE_PUSH=true")
	}
	return nil
}
