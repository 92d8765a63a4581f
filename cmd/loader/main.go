package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/ch"
	"listing-analytics/internal/config"
	ikafka "listing-analytics/internal/kafka"
	"listing-analytics/internal/loader"
	"listing-analytics/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := logging.ForService(logging.New(cfg.LogLevel), "loader")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ch.New(ctx, cfg.ClickHouseDSN)
	if err != nil {
		log.WithError(err).Fatal("clickhouse")
	}
	defer client.Close()
	if err := client.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	reader := ikafka.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
	defer reader.Close()

	go serveMetrics(cfg.LoaderMetricsAddr, log)
	go handleSignals(cancel)

	l := loader.New(reader, client, loader.Config{
		BatchSize:     cfg.LoaderBatchSize,
		BatchInterval: cfg.LoaderBatchInterval,
		MaxPending:    cfg.LoaderMaxPending,
	}, log)
	log.WithFields(logrus.Fields{"topic": cfg.KafkaTopic, "group": cfg.KafkaGroupID}).Info("loader started")
	if err := l.Run(ctx, 30*time.Second); err != nil {
		log.WithError(err).WithField("pending", l.Pending()).Error("loader stopped with unflushed events")
		return
	}
	log.Info("loader shutdown complete")
}

func serveMetrics(addr string, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("loader metrics server failed")
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
