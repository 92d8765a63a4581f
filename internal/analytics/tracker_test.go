package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"listing-analytics/internal/model"
	"listing-analytics/pkg/batcher"
)

type memorySink struct {
	mu      sync.Mutex
	batches [][]model.Event
	failing bool
}

func (s *memorySink) AppendEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink unreachable")
	}
	s.batches = append(s.batches, append([]model.Event(nil), events...))
	return nil
}

func (s *memorySink) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *memorySink) snapshot() [][]model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]model.Event(nil), s.batches...)
}

func sequentialIDs() TrackerOption {
	var n atomic.Int64
	return WithIDGenerator(func() string { return fmt.Sprintf("evt-%d", n.Add(1)) })
}

func newTestTracker(t *testing.T, sink Sink, clock clockwork.Clock, opts ...TrackerOption) (*Tracker, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	opts = append([]TrackerOption{WithTrackerClock(clock), sequentialIDs()}, opts...)
	tr := NewTracker(sink, DefaultTrackerConfig(), log, opts...)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, hook
}

func TestTrackerFlushesAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	sink := &memorySink{}
	tr, _ := newTestTracker(t, sink, clock)

	require.NoError(t, tr.TrackView("l1", ""))
	require.NoError(t, tr.TrackContact("l1", "u1"))
	require.NoError(t, tr.TrackShare("l2", ""))
	require.Equal(t, 3, tr.Pending())
	require.Equal(t, batcher.Armed, tr.State())

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	batch := sink.snapshot()[0]
	require.Len(t, batch, 3)
	require.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, []string{batch[0].ID, batch[1].ID, batch[2].ID})
	require.Equal(t, model.EventView, batch[0].EventType)
	require.Equal(t, model.EventContact, batch[1].EventType)
	require.Equal(t, "u1", batch[1].UserID)
	require.Equal(t, model.EventShare, batch[2].EventType)
	require.Equal(t, testNow, batch[0].CreatedAt)
}

func TestTrackerFlushesAtBatchSize(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	sink := &memorySink{}
	tr, _ := newTestTracker(t, sink, clock)

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.TrackView(fmt.Sprintf("l%d", i), ""))
	}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	require.Len(t, sink.snapshot()[0], 10)
	require.Eventually(t, func() bool { return tr.State() == batcher.Idle }, time.Second, 10*time.Millisecond)

	clock.Advance(time.Minute)
	require.Never(t, func() bool { return len(sink.snapshot()) > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestTrackerRequeuesAndReportsFailures(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	sink := &memorySink{failing: true}
	var hookCalls atomic.Int32
	tr, logs := newTestTracker(t, sink, clock, WithFlushErrorHook(func(err error, n int) {
		hookCalls.Add(1)
	}))

	require.NoError(t, tr.TrackView("l1", ""))
	require.NoError(t, tr.TrackSave("l1", "u1"))

	err := tr.Flush(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, tr.Pending())
	require.Equal(t, uint64(1), tr.Stats().Failures)
	require.Equal(t, int32(1), hookCalls.Load())

	entry := logs.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.ErrorLevel, entry.Level)
	require.Equal(t, 2, entry.Data["batch_size"])
	require.Equal(t, "tracker", entry.Data["component"])

	require.NoError(t, tr.TrackShare("l2", ""))
	sink.setFailing(false)
	require.NoError(t, tr.Flush(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 1)
	require.Len(t, got[0], 3)
	require.Equal(t, "evt-1", got[0][0].ID)
	require.Equal(t, "evt-2", got[0][1].ID)
	require.Equal(t, "evt-3", got[0][2].ID)
	require.Zero(t, tr.Pending())
}

func TestTrackerValidation(t *testing.T) {
	tr, _ := newTestTracker(t, &memorySink{}, clockwork.NewFakeClock())

	require.ErrorIs(t, tr.TrackView("", "u1"), ErrListingRequired)
	require.ErrorIs(t, tr.TrackSave("l1", ""), ErrUserRequired)
	require.ErrorIs(t, tr.Track("l1", model.EventType("click"), "", nil), model.ErrUnknownEventType)
	require.Zero(t, tr.Pending())
}

func TestTrackerCloseFlushesAndRejects(t *testing.T) {
	sink := &memorySink{}
	log, _ := test.NewNullLogger()
	tr := NewTracker(sink, DefaultTrackerConfig(), log, WithTrackerClock(clockwork.NewFakeClock()))

	require.NoError(t, tr.Track("l1", model.EventView, "", map[string]any{"device_type": "mobile"}))
	require.NoError(t, tr.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "mobile", got[0][0].Metadata["device_type"])
	require.NotEmpty(t, got[0][0].ID)
	require.ErrorIs(t, tr.TrackView("l1", ""), batcher.ErrClosed)
}
