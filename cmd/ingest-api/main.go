package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/analytics"
	"listing-analytics/internal/api"
	"listing-analytics/internal/auth"
	"listing-analytics/internal/ch"
	"listing-analytics/internal/config"
	"listing-analytics/internal/httpx"
	ikafka "listing-analytics/internal/kafka"
	"listing-analytics/internal/logging"
	"listing-analytics/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)
	log := logging.ForService(logger, "ingest-api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, checks, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open sink")
	}
	defer closeSink()

	tracker := analytics.NewTracker(sink, analytics.TrackerConfig{
		BatchSize:    cfg.BatchSize,
		BatchDelay:   cfg.BatchDelay,
		MaxBuffered:  cfg.MaxBuffered,
		FlushTimeout: cfg.FlushTimeout,
	}, log)

	checks["tracker"] = func(context.Context) error {
		s := tracker.Stats()
		if cfg.MaxBuffered > 0 && s.Buffered >= cfg.MaxBuffered {
			return fmt.Errorf("buffer full: %d events pending after %d failed flushes", s.Buffered, s.Failures)
		}
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpx.RequestLogger(log))
	router.Use(httpx.NewMetrics("ingest_api", nil).Handler())
	router.Use(httpx.CORSMiddleware(cfg.CORSAllowOrigins))

	router.GET("/healthz", api.Health(checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	clients := auth.NewClients(cfg.Clients)
	limiter := httpx.NewClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, httpx.DefaultMaxClients)
	tracked := router.Group("/", limiter.Middleware(api.RateLimitKey(clients)))
	api.NewIngest(tracker, clients, pipeline.NewEnricher(cfg.IPHashSalt, cfg.BotUserAgents), log).Register(tracked)

	server := &http.Server{
		Addr:              cfg.IngestAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.IngestAddr, "sink": cfg.IngestSink}).Info("starting ingest API")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("ingest server failed")
		}
	}()

	waitForSignal()
	log.Info("shutting down ingest API")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := tracker.Close(shutdownCtx); err != nil {
		log.WithError(err).WithField("pending", tracker.Pending()).Error("final flush failed")
	}
}

func openSink(ctx context.Context, cfg config.Config) (analytics.Sink, map[string]api.Check, func(), error) {
	checks := map[string]api.Check{}
	if cfg.IngestSink == config.SinkClickHouse {
		client, err := ch.New(ctx, cfg.ClickHouseDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := client.EnsureSchema(ctx); err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		checks["clickhouse"] = client.Ping
		return client, checks, func() { _ = client.Close() }, nil
	}

	writer := ikafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	return ikafka.NewSink(writer), checks, func() { _ = writer.Close() }, nil
}

func waitForSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
