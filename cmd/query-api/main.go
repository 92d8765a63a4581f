package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/analytics"
	"listing-analytics/internal/api"
	"listing-analytics/internal/cache"
	"listing-analytics/internal/ch"
	"listing-analytics/internal/config"
	"listing-analytics/internal/directory"
	"listing-analytics/internal/httpx"
	"listing-analytics/internal/logging"
)

// warmWindows are the dashboard presets refreshed ahead of requests.
var warmWindows = []int{7, 30, 90}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)
	log := logging.ForService(logger, "query-api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := ch.New(ctx, cfg.ClickHouseDSN)
	if err != nil {
		log.WithError(err).Fatal("clickhouse")
	}
	defer events.Close()

	dir, err := directory.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("postgres")
	}
	defer dir.Close()

	checks := map[string]api.Check{
		"clickhouse": events.Ping,
		"postgres":   dir.Ping,
	}

	var store *cache.Redis
	if cfg.RedisURL != "" {
		store, err = cache.NewRedis(ctx, cfg.RedisURL, "listing-analytics:", cfg.CacheTTL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable; serving rollups uncached")
			store = nil
		} else {
			defer store.Close()
			checks["redis"] = store.Ping
		}
	}

	svc := analytics.NewService(events, dir, log)
	rollups := cache.NewRollups(svc, store, log)

	scheduler := cron.New()
	if store != nil {
		if _, err := scheduler.AddFunc(cfg.PlatformWarmSchedule, func() {
			warmCtx, warmCancel := context.WithTimeout(ctx, time.Minute)
			defer warmCancel()
			if err := rollups.RefreshPlatform(warmCtx, warmWindows...); err != nil {
				log.WithError(err).Warn("platform rollup warm-up failed")
			}
		}); err != nil {
			log.WithError(err).WithField("schedule", cfg.PlatformWarmSchedule).Fatal("invalid warm-up schedule")
		}
		scheduler.Start()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpx.RequestLogger(log))
	router.Use(httpx.NewMetrics("query_api", nil).Handler())
	router.Use(httpx.CORSMiddleware(cfg.CORSAllowOrigins))

	router.GET("/healthz", api.Health(checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.NewQuery(rollups, log).Register(router)

	server := &http.Server{
		Addr:              cfg.QueryAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.QueryAddr).Info("starting query API")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("query api failed")
		}
	}()

	waitForSignal()
	log.Info("shutting down query API")
	<-scheduler.Stop().Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}

func waitForSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
