package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrClosed is returned by Add once Close has been called.
var ErrClosed = errors.New("batcher: closed")

// State is the position of a batcher in its flush cycle.
type State int

const (
	// Idle: no timer pending and no flush in flight.
	Idle State = iota
	// Armed: a one-shot delay timer is pending.
	Armed
	// Flushing: a batch is being handed to the flush function.
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// FlushFunc persists one batch. A non-nil error fails the whole batch.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Stats reports flush outcomes since construction.
type Stats struct {
	Flushes  uint64
	Failures uint64
	Dropped  uint64
	Buffered int
}

// Option customizes a Batcher.
type Option func(*options)

type options struct {
	clock        clockwork.Clock
	maxBuffered  int
	flushTimeout time.Duration
	onFlush      func(n int, elapsed time.Duration)
	onFlushError func(err error, n int)
	onDrop       func(n int)
}

// WithClock replaces the wall clock used for the delay timer.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMaxBuffered caps the live buffer. When exceeded the oldest items are
// dropped and reported through the drop hook. Zero disables the cap.
func WithMaxBuffered(n int) Option {
	return func(o *options) { o.maxBuffered = n }
}

// WithFlushTimeout bounds every call to the flush function.
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) { o.flushTimeout = d }
}

// WithOnFlush registers a hook called after each successful flush.
func WithOnFlush(fn func(n int, elapsed time.Duration)) Option {
	return func(o *options) { o.onFlush = fn }
}

// WithOnFlushError registers a hook called after each failed flush. The
// failed items have already been requeued when it runs.
func WithOnFlushError(fn func(err error, n int)) Option {
	return func(o *options) { o.onFlushError = fn }
}

// WithOnDrop registers a hook called when items are discarded by the buffer cap.
func WithOnDrop(fn func(n int)) Option {
	return func(o *options) { o.onDrop = fn }
}

// Batcher collects items and flushes them when the buffer reaches maxSize or
// when delay has passed since the first unflushed item arrived. Failed
// batches are put back at the head of the buffer and retried on the next
// trigger.
type Batcher[T any] struct {
	mu        sync.Mutex
	buffer    []T
	state     State
	timer     clockwork.Timer
	timerGen  uint64
	closed    bool
	stats     Stats
	lastError error

	// flushMu keeps at most one flush in flight.
	flushMu sync.Mutex
	wg      sync.WaitGroup

	maxSize int
	delay   time.Duration
	flushFn FlushFunc[T]
	opts    options
}

// New creates a batcher. maxSize and delay fall back to 10 and 5s when not positive.
func New[T any](maxSize int, delay time.Duration, flushFn FlushFunc[T], opts ...Option) *Batcher[T] {
	if maxSize <= 0 {
		maxSize = 10
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	return &Batcher[T]{
		maxSize: maxSize,
		delay:   delay,
		flushFn: flushFn,
		opts:    o,
	}
}

// Add queues an item. It never blocks on the flush function: reaching
// maxSize starts a flush in the background, otherwise the delay timer is
// armed if nothing is pending yet.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.buffer = append(b.buffer, item)
	dropped := b.trimLocked()
	switch b.state {
	case Idle, Armed:
		if len(b.buffer) >= b.maxSize {
			b.startFlushLocked()
		} else if b.state == Idle {
			b.armLocked()
		}
	case Flushing:
		// picked up when the in-flight flush settles
	}
	b.mu.Unlock()

	if dropped > 0 && b.opts.onDrop != nil {
		b.opts.onDrop(dropped)
	}
	return nil
}

// Flush synchronously flushes everything buffered, regardless of size or
// timer state. It waits for an in-flight flush to finish first.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	return b.flush(ctx)
}

// Close rejects further items, waits for background flushes and performs a
// final flush. Items that still fail stay buffered and are reported by Len.
func (b *Batcher[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()

	b.wg.Wait()
	return b.flush(ctx)
}

// Len returns the number of buffered items not yet handed to a flush.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Buffered returns a copy of the live buffer in flush order.
func (b *Batcher[T]) Buffered() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.buffer))
	copy(out, b.buffer)
	return out
}

// State returns the current flush-cycle state.
func (b *Batcher[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns flush counters and the current buffer length.
func (b *Batcher[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Buffered = len(b.buffer)
	return s
}

// LastError returns the most recent flush error, or nil if none occurred.
func (b *Batcher[T]) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *Batcher[T]) armLocked() {
	b.state = Armed
	b.timerGen++
	gen := b.timerGen
	b.timer = b.opts.clock.AfterFunc(b.delay, func() {
		b.onTimer(gen)
	})
}

func (b *Batcher[T]) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	// invalidates a callback that already fired and is waiting on mu
	b.timerGen++
}

func (b *Batcher[T]) onTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.state != Armed || gen != b.timerGen {
		return
	}
	b.timer = nil
	b.startFlushLocked()
}

func (b *Batcher[T]) startFlushLocked() {
	b.stopTimerLocked()
	b.state = Flushing
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.flush(context.Background())
	}()
}

func (b *Batcher[T]) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.stopTimerLocked()
	b.state = Flushing
	batch := b.buffer
	b.buffer = nil
	if len(batch) == 0 {
		b.settleLocked(true)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	err := b.run(ctx, batch)

	b.mu.Lock()
	dropped := 0
	if err != nil {
		merged := make([]T, 0, len(batch)+len(b.buffer))
		merged = append(merged, batch...)
		b.buffer = append(merged, b.buffer...)
		dropped = b.trimLocked()
		b.stats.Failures++
		b.lastError = err
	} else {
		b.stats.Flushes++
	}
	b.settleLocked(err == nil)
	b.mu.Unlock()

	if dropped > 0 && b.opts.onDrop != nil {
		b.opts.onDrop(dropped)
	}
	if err != nil && b.opts.onFlushError != nil {
		b.opts.onFlushError(err, len(batch))
	}
	return err
}

func (b *Batcher[T]) run(ctx context.Context, batch []T) error {
	if b.flushFn == nil {
		return errors.New("batcher: no flush function configured")
	}
	if b.opts.flushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.flushTimeout)
		defer cancel()
	}
	start := b.opts.clock.Now()
	err := b.flushFn(ctx, batch)
	if err == nil && b.opts.onFlush != nil {
		b.opts.onFlush(len(batch), b.opts.clock.Since(start))
	}
	return err
}

// settleLocked picks the next state once a flush has finished. A failed
// flush waits for the delay timer instead of retrying immediately.
func (b *Batcher[T]) settleLocked(ok bool) {
	switch {
	case len(b.buffer) == 0 || b.closed:
		b.state = Idle
	case ok && len(b.buffer) >= b.maxSize:
		b.startFlushLocked()
	default:
		b.armLocked()
	}
}

func (b *Batcher[T]) trimLocked() int {
	limit := b.opts.maxBuffered
	if limit <= 0 || len(b.buffer) <= limit {
		return 0
	}
	n := len(b.buffer) - limit
	b.buffer = append([]T(nil), b.buffer[n:]...)
	b.stats.Dropped += uint64(n)
	return n
}
