// README: Websocket load driver; mints dev tokens, moves simulated mechanics toward one requester and tallies server events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type Config struct {
	BaseURL   string
	Secret    string
	DSN       string
	Workers   int
	Duration  time.Duration
	Interval  time.Duration
	Lat       float64
	Lng       float64
	SpreadKm  float64
	StepRatio float64
}

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	sim, err := NewSimulation(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	results := sim.Run(ctx)

	fmt.Println("\n== Events received ==")
	kinds := make([]string, 0, len(results.Events))
	for k := range results.Events {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("%-20s %d\n", k, results.Events[k])
	}

	fmt.Println("\n== Summary ==")
	fmt.Printf("actors=%d pushes=%d errors=%d dropped=%d\n", results.Actors, results.Pushes, results.Errors, results.Dropped)
	if results.Session != "" {
		fmt.Printf("session order=%s status=%s\n", results.Order, results.Session)
	}
	if results.Dropped > 0 {
		os.Exit(1)
	}
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("DISPATCH_SIM_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.Secret, "secret", envOrDefault("DISPATCH_AUTH_JWT_SECRET", ""), "HS256 secret shared with the API")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("DISPATCH_DB_DSN", ""), "Postgres DSN; when set an order is seeded and tracked")
	flag.IntVar(&cfg.Workers, "workers", envOrDefaultInt("DISPATCH_SIM_WORKERS", 20), "Simulated mechanics")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("DISPATCH_SIM_DURATION", 30*time.Second), "Run time")
	flag.DurationVar(&cfg.Interval, "interval", envOrDefaultDuration("DISPATCH_SIM_INTERVAL", time.Second), "Push interval per actor")
	flag.Float64Var(&cfg.Lat, "lat", envOrDefaultFloat("DISPATCH_SIM_LAT", 23.8103), "Requester latitude")
	flag.Float64Var(&cfg.Lng, "lng", envOrDefaultFloat("DISPATCH_SIM_LNG", 90.4125), "Requester longitude")
	flag.Float64Var(&cfg.SpreadKm, "spread-km", envOrDefaultFloat("DISPATCH_SIM_SPREAD_KM", 3), "Initial mechanic spread")
	flag.Float64Var(&cfg.StepRatio, "step", envOrDefaultFloat("DISPATCH_SIM_STEP", 0.1), "Share of the remaining gap closed per push")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
