package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/bikelane"
	"github.com/terminal-bench/saferoute/internal/config"
	"github.com/terminal-bench/saferoute/internal/engine"
	"github.com/terminal-bench/saferoute/internal/events"
	"github.com/terminal-bench/saferoute/internal/handlers"
	"github.com/terminal-bench/saferoute/internal/middleware"
	"github.com/terminal-bench/saferoute/internal/riskzone"
	"github.com/terminal-bench/saferoute/internal/routing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if problems := cfg.ValidateProduction(); len(problems) > 0 {
		for _, p := range problems {
			log.Error(p)
		}
		log.Fatal("refusing to start with unsafe production configuration")
	}

	// Spatial database, shared by the zone and bike lane repositories.
	zoneRepo, err := riskzone.NewRepository(cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open spatial database")
	}
	defer zoneRepo.Close()
	laneRepo := bikelane.NewRepository(zoneRepo.DB(), log)

	zoneService := riskzone.NewService(zoneRepo, cfg.CacheTTL, cfg.RefreshTimeout, log)
	laneService := bikelane.NewService(laneRepo, cfg.CacheTTL, cfg.RefreshTimeout, log)

	engineClient := engine.NewClient(cfg.EngineURL, cfg.EngineTimeout, log)
	router := routing.NewService(engineClient, zoneService, laneService, cfg.DevMockRoutes, log)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	feed := handlers.NewZoneFeed(log)

	bus, err := events.Connect(cfg.NATSURL, log)
	if err != nil {
		// The snapshot TTL bounds staleness, so a missing bus degrades
		// rather than blocks startup outside production.
		if cfg.IsProduction() {
			log.WithError(err).Fatal("failed to connect to event bus")
		}
		log.WithError(err).Warn("event bus unavailable, zone cache will refresh on TTL only")
	} else {
		defer bus.Close()
		if err := bus.OnReportVerified(zoneService, feed.Broadcast); err != nil {
			log.WithError(err).Fatal("failed to subscribe to verified reports")
		}
	}

	checks := []handlers.HealthCheck{
		{Name: "database", Critical: true, Probe: zoneRepo.Ping},
		{Name: "engine", Critical: true, Probe: engineClient.Ping},
		// Redis gates readiness alongside db and engine. The rate
		// limiter still fails open on transient redis errors at
		// request time.
		{Name: "redis", Critical: true, Probe: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}},
	}
	if bus != nil {
		checks = append(checks, handlers.HealthCheck{
			Name: "events", Critical: false, Probe: func(context.Context) error {
				if !bus.IsConnected() {
					return context.DeadlineExceeded
				}
				return nil
			},
		})
	}

	limiter := middleware.NewRateLimiter(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow, log)

	api := handlers.NewRouter(handlers.Dependencies{
		Config:    cfg,
		Log:       log,
		Routes:    router,
		ZoneStore: zoneRepo,
		Feed:      feed,
		Health:    handlers.NewHealthHandler(cfg, checks, log),
		Blacklist: middleware.NewRedisBlacklist(redisClient, log),
		RateLimit: limiter.Middleware(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("starting saferoute api")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("forced shutdown")
	}
	log.Info("server stopped")
}
