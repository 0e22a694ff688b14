// README: Entry point; loads config, wires services, starts HTTP/websocket server and background loops.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"dispatch/internal/config"
	"dispatch/internal/events"
	httptransport "dispatch/internal/http"
	"dispatch/internal/http/handlers"
	"dispatch/internal/infra"
	"dispatch/internal/maps"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/proximity"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/realtime"
)

const tapQueueSize = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dbPool *pgxpool.Pool
	if cfg.DB.DSN != "" {
		dbPool, err = infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatal(err)
		}
		defer dbPool.Close()
	} else {
		log.Printf("DISPATCH_DB_DSN not set, sessions and orders kept in memory")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Fatal(err)
		}
		defer redisClient.Close()
	} else {
		log.Printf("DISPATCH_REDIS_ADDR not set, last-known locations kept in memory")
	}

	verifier, messenger := identity(ctx, cfg)

	bus := events.NewBus()

	var locationStore location.Store = location.NewMemoryStore()
	if redisClient != nil {
		locationStore = location.NewRedisStore(redisClient)
	}
	locationSvc := location.NewService(
		location.NewRegistry(),
		location.NewBuffers(cfg.Tracking.LocationLimit, cfg.Tracking.UpdateInterval),
		locationStore,
	)

	proximitySvc := proximity.NewService(locationSvc.Registry(), bus, proximity.Config{
		SweepInterval:     cfg.Proximity.SweepInterval,
		MaxDistanceKm:     cfg.Proximity.MaxDistanceKm,
		ChangeThresholdKm: cfg.Proximity.ChangeThresholdKm,
		PushDebounce:      cfg.Proximity.PushDebounce,
		SpeedKmh:          cfg.Tracking.SpeedKmh,
	})
	locationSvc.AddObserver(proximitySvc)

	var orderStore order.Store = order.NewMemoryStore()
	var sessionStore tracking.Store = tracking.NewMemoryStore()
	if dbPool != nil {
		orderStore = order.NewPGStore(dbPool)
		sessionStore = tracking.NewPGStore(dbPool)
	}
	trackingSvc := tracking.NewService(sessionStore, order.NewDirectory(orderStore), locationSvc, bus, tracking.Config{
		ArrivalThresholdKm: cfg.Tracking.ArrivalThresholdKm,
		SpeedKmh:           cfg.Tracking.SpeedKmh,
	})

	var taps []*events.AsyncTap
	if cfg.AMQP.URL != "" {
		mq, err := infra.NewRabbitMQ(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Fatal(err)
		}
		defer mq.Close()
		taps = append(taps, events.NewAsyncTap(events.NewAMQPRelay(mq.Chan, cfg.AMQP.Exchange), tapQueueSize))
	}
	if messenger != nil {
		taps = append(taps, events.NewAsyncTap(events.NewFCMNotifier(messenger, locationSvc.DeviceToken), tapQueueSize))
	}
	for _, t := range taps {
		bus.AddTap(t)
		go t.Run(ctx)
	}

	var roads handlers.RoadETA
	if cfg.Maps.APIKey != "" {
		routeSvc, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Fatal(err)
		}
		roads = routeSvc
	}

	gateway := realtime.NewGateway(verifier, locationSvc, trackingSvc, bus, realtime.Config{
		NearbyRadiusKm: cfg.Proximity.NearbyRadiusKm,
	})

	deps := httptransport.ServerDeps{
		Verifier:       verifier,
		Tracking:       trackingSvc,
		Location:       locationSvc,
		Roads:          roads,
		Gateway:        gateway,
		NearbyRadiusKm: cfg.Proximity.NearbyRadiusKm,
	}
	if dbPool != nil {
		deps.DB = dbPool
	}
	if redisClient != nil {
		deps.Redis = infra.RedisPinger{Client: redisClient}
	}

	go proximitySvc.RunSweeper(ctx)
	go locationSvc.RunReaper(ctx, cfg.Presence.ReaperInterval, cfg.Presence.Grace)

	server := httptransport.NewServer(cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout, deps)
	if err := server.Run(ctx); err != nil {
		log.Fatal(err)
	}

	log.Printf("shutdown complete")
}

// identity picks the token verifier and, when push is enabled, the FCM client.
func identity(ctx context.Context, cfg config.Config) (infra.TokenVerifier, events.Messenger) {
	var verifier infra.TokenVerifier
	var messenger events.Messenger

	needApp := cfg.Auth.Mode == config.AuthModeFirebase || cfg.Firebase.Push
	if !needApp {
		return infra.NewJWTManager(cfg.Auth.JWTSecret, 0), nil
	}

	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}
	if cfg.Auth.Mode == config.AuthModeFirebase {
		verifier, err = infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			log.Fatalf("firebase init: %v", err)
		}
	} else {
		verifier = infra.NewJWTManager(cfg.Auth.JWTSecret, 0)
	}
	if cfg.Firebase.Push {
		client, err := infra.NewMessaging(ctx, app)
		if err != nil {
			log.Fatalf("firebase messaging: %v", err)
		}
		messenger = client
	}
	return verifier, messenger
}
