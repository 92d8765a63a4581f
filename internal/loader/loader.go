// Package loader moves tracked events from the Kafka topic into the
// ClickHouse event log. Offsets are committed only after the batch holding
// them has been stored, so delivery is at least once.
package loader

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/analytics"
	ikafka "listing-analytics/internal/kafka"
	"listing-analytics/internal/model"
	"listing-analytics/pkg/batcher"
)

var (
	batchSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loader_batch_size",
		Help:    "Histogram of ClickHouse batch sizes",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000},
	})
	insertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loader_insert_duration_seconds",
		Help:    "Duration of ClickHouse inserts including retries",
		Buckets: prometheus.DefBuckets,
	})
	insertErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_insert_errors_total",
		Help: "Total ClickHouse insert attempts that failed",
	})
	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_decode_errors_total",
		Help: "Messages skipped because they could not be decoded",
	})
)

// Reader is the subset of *kafka.Reader the loader needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config tunes batching and retries. MaxPending bounds how many fetched
// messages may wait for storage before fetching pauses; it defaults to twice
// the batch size.
type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	MaxPending    int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 800 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 2 * c.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// item keeps a message with its decoded event; evt is nil for messages that
// failed to decode and only need their offset committed.
type item struct {
	msg kafka.Message
	evt *model.Event
}

// Loader consumes the topic and appends batches to the sink.
type Loader struct {
	reader Reader
	sink   analytics.Sink
	cfg    Config
	log    logrus.FieldLogger
	batch  *batcher.Batcher[item]

	// settled is signalled after every flush attempt.
	settled chan struct{}
}

// New builds a loader. Call Run to start consuming.
func New(reader Reader, sink analytics.Sink, cfg Config, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Loader{
		reader:  reader,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		log:     log.WithField("component", "loader"),
		settled: make(chan struct{}, 1),
	}
	l.batch = batcher.New[item](l.cfg.BatchSize, l.cfg.BatchInterval, l.flush,
		batcher.WithFlushTimeout(2*time.Minute),
		batcher.WithOnFlush(func(int, time.Duration) { l.signalSettled() }),
		batcher.WithOnFlushError(func(err error, n int) {
			l.log.WithError(err).WithField("batch_size", n).Error("store batch failed; will retry")
			l.signalSettled()
		}),
	)
	return l
}

// Run fetches until ctx is cancelled, then flushes what is buffered using a
// fresh context bounded by drainTimeout.
func (l *Loader) Run(ctx context.Context, drainTimeout time.Duration) error {
	for {
		if !l.waitForCapacity(ctx) {
			break
		}
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.log.WithError(err).Warn("fetch message")
			if !sleep(ctx, time.Second) {
				break
			}
			continue
		}

		it := item{msg: msg}
		if evt, err := ikafka.DecodeEvent(msg); err != nil {
			decodeErrors.Inc()
			l.log.WithError(err).WithField("partition", msg.Partition).Warn("skipping undecodable message")
		} else {
			it.evt = &evt
		}
		if err := l.batch.Add(it); err != nil {
			return err
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := l.batch.Close(drainCtx); err != nil {
		return err
	}
	l.log.Info("loader drained")
	return nil
}

// waitForCapacity blocks while MaxPending messages are buffered. It reports
// false once ctx is done.
func (l *Loader) waitForCapacity(ctx context.Context) bool {
	for l.batch.Len() >= l.cfg.MaxPending {
		select {
		case <-ctx.Done():
			return false
		case <-l.settled:
		}
	}
	return ctx.Err() == nil
}

func (l *Loader) signalSettled() {
	select {
	case l.settled <- struct{}{}:
	default:
	}
}

// Pending returns the number of buffered messages.
func (l *Loader) Pending() int {
	return l.batch.Len()
}

func (l *Loader) flush(ctx context.Context, items []item) error {
	events := make([]model.Event, 0, len(items))
	msgs := make([]kafka.Message, len(items))
	for i, it := range items {
		msgs[i] = it.msg
		if it.evt != nil {
			events = append(events, *it.evt)
		}
	}
	if len(events) > 0 {
		if err := l.insertWithRetry(ctx, events); err != nil {
			return err
		}
	}
	if err := l.reader.CommitMessages(ctx, msgs...); err != nil {
		// stored already; redelivery after a restart only duplicates
		l.log.WithError(err).WithField("messages", len(msgs)).Warn("commit offsets failed")
	}
	return nil
}

func (l *Loader) insertWithRetry(ctx context.Context, events []model.Event) error {
	backoff := l.cfg.Backoff
	start := time.Now()
	var err error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if err = l.sink.AppendEvents(ctx, events); err == nil {
			insertDuration.Observe(time.Since(start).Seconds())
			batchSizeHistogram.Observe(float64(len(events)))
			return nil
		}
		insertErrors.Inc()
		if attempt == l.cfg.MaxAttempts {
			break
		}
		l.log.WithError(err).WithField("attempt", attempt).Debug("insert failed, backing off")
		if !sleep(ctx, backoff) {
			return errors.Join(err, ctx.Err())
		}
		backoff *= 2
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
