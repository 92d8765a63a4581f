package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"listing-analytics/internal/model"
	"listing-analytics/pkg/batcher"
)

var (
	// ErrListingRequired is returned when a listing id is missing.
	ErrListingRequired = errors.New("listing id is required")
	// ErrUserRequired is returned when an operation needs a user id.
	ErrUserRequired = errors.New("user id is required")
)

// TrackerConfig holds the batching policy.
type TrackerConfig struct {
	BatchSize    int
	BatchDelay   time.Duration
	MaxBuffered  int
	FlushTimeout time.Duration
}

// DefaultTrackerConfig flushes every 10 events or 5 seconds.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BatchSize:    10,
		BatchDelay:   5 * time.Second,
		MaxBuffered:  10000,
		FlushTimeout: 10 * time.Second,
	}
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*trackerOptions)

type trackerOptions struct {
	clock        clockwork.Clock
	onFlushError func(err error, n int)
	newID        func() string
}

// WithTrackerClock sets the clock used for timestamps and the flush timer.
func WithTrackerClock(c clockwork.Clock) TrackerOption {
	return func(o *trackerOptions) { o.clock = c }
}

// WithFlushErrorHook registers a callback for flush failures, in addition to
// logging and metrics.
func WithFlushErrorHook(fn func(err error, n int)) TrackerOption {
	return func(o *trackerOptions) { o.onFlushError = fn }
}

// WithIDGenerator replaces the event id generator.
func WithIDGenerator(fn func() string) TrackerOption {
	return func(o *trackerOptions) { o.newID = fn }
}

// Tracker records listing interactions without blocking callers on the sink.
// Events are buffered and flushed in batches; failed batches are retried.
type Tracker struct {
	batcher *batcher.Batcher[model.Event]
	clock   clockwork.Clock
	newID   func() string
	log     logrus.FieldLogger
}

// NewTracker builds a tracker that flushes into sink.
func NewTracker(sink Sink, cfg TrackerConfig, log logrus.FieldLogger, opts ...TrackerOption) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	o := trackerOptions{
		clock: clockwork.NewRealClock(),
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	log = log.WithField("component", "tracker")

	t := &Tracker{clock: o.clock, newID: o.newID, log: log}
	t.batcher = batcher.New[model.Event](cfg.BatchSize, cfg.BatchDelay, sink.AppendEvents,
		batcher.WithClock(o.clock),
		batcher.WithMaxBuffered(cfg.MaxBuffered),
		batcher.WithFlushTimeout(cfg.FlushTimeout),
		batcher.WithOnFlush(func(n int, elapsed time.Duration) {
			flushesTotal.Inc()
			flushBatchSize.Observe(float64(n))
			flushDuration.Observe(elapsed.Seconds())
		}),
		batcher.WithOnFlushError(func(err error, n int) {
			flushFailures.Inc()
			log.WithError(err).WithField("batch_size", n).Error("flush analytics events failed; batch requeued")
			if o.onFlushError != nil {
				o.onFlushError(err, n)
			}
		}),
		batcher.WithOnDrop(func(n int) {
			eventsDropped.Add(float64(n))
			log.WithField("dropped", n).Warn("analytics buffer full; oldest events dropped")
		}),
	)
	return t
}

// TrackView records a listing view. userID may be empty for anonymous visitors.
func (t *Tracker) TrackView(listingID, userID string) error {
	return t.Track(listingID, model.EventView, userID, nil)
}

// TrackContact records a buyer contacting the seller.
func (t *Tracker) TrackContact(listingID, userID string) error {
	return t.Track(listingID, model.EventContact, userID, nil)
}

// TrackSave records a user saving a listing. Saves are always attributed.
func (t *Tracker) TrackSave(listingID, userID string) error {
	return t.Track(listingID, model.EventSave, userID, nil)
}

// TrackShare records a listing share.
func (t *Tracker) TrackShare(listingID, userID string) error {
	return t.Track(listingID, model.EventShare, userID, nil)
}

// Track enqueues one event. It returns once the event is buffered.
func (t *Tracker) Track(listingID string, eventType model.EventType, userID string, metadata map[string]any) error {
	if listingID == "" {
		return ErrListingRequired
	}
	eventType, err := model.ParseEventType(string(eventType))
	if err != nil {
		return err
	}
	if eventType == model.EventSave && userID == "" {
		return ErrUserRequired
	}
	evt := model.Event{
		ID:        t.newID(),
		ListingID: listingID,
		UserID:    userID,
		EventType: eventType,
		Metadata:  metadata,
		CreatedAt: t.clock.Now().UTC(),
	}
	if err := t.batcher.Add(evt); err != nil {
		return err
	}
	eventsTracked.WithLabelValues(string(eventType)).Inc()
	return nil
}

// Flush forces buffered events to the sink and returns the sink's error, if any.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.batcher.Flush(ctx)
}

// Close stops accepting events and flushes what is left.
func (t *Tracker) Close(ctx context.Context) error {
	err := t.batcher.Close(ctx)
	if n := t.batcher.Len(); n > 0 {
		t.log.WithField("pending", n).Warn("tracker closed with unflushed events")
	}
	return err
}

// Pending returns the number of buffered events.
func (t *Tracker) Pending() int {
	return t.batcher.Len()
}

// State exposes the buffer's flush-cycle state.
func (t *Tracker) State() batcher.State {
	return t.batcher.State()
}

// Stats exposes flush counters for health checks.
func (t *Tracker) Stats() batcher.Stats {
	return t.batcher.Stats()
}
