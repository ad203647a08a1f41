// Package tracker measures how long a pointer dwells at each position of a
// surface and delivers the resulting records to a collector in batches.
//
// Input handlers and lifecycle calls are serialized by the Tracker, so a
// Surface may deliver events from any goroutine. The periodic flush runs on
// its own goroutine and only touches the Buffer, which means records
// finalized while a batch is in flight stay queued for the next flush, and a
// failed batch is put back ahead of them.
package tracker

import (
	"context"
	"os"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vincentbai/dwelltrace/internal/models"
)

const (
	DefaultCheckInterval = 30 * time.Millisecond
	DefaultSendInterval  = 3000 * time.Millisecond
	DefaultURL           = "/save.php"
	DefaultSendTimeout   = 10 * time.Second
)

// Options are fixed for the lifetime of a Tracker.
type Options struct {
	// CheckInterval is the shortest dwell that gets recorded.
	CheckInterval time.Duration
	// SendInterval is the flush period.
	SendInterval time.Duration
	// URL is the collector endpoint. The Tracker only carries it; the
	// Transport is what posts to it.
	URL string
}

// WithDefaults fills unset or non-positive fields with the defaults.
func (o Options) WithDefaults() Options {
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.SendInterval <= 0 {
		o.SendInterval = DefaultSendInterval
	}
	if o.URL == "" {
		o.URL = DefaultURL
	}
	return o
}

type State int

const (
	StateIdle State = iota
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Tracker ties a Surface's input signals to an Aggregator and periodically
// flushes the resulting records through a Transport.
type Tracker struct {
	log         slog.Logger
	clock       quartz.Clock
	metrics     *Metrics
	sendTimeout time.Duration
	sessionID   uuid.UUID

	surface  Surface
	options  Options
	listener listener

	buffer     *Buffer
	aggregator *Aggregator
	sender     *Sender

	mu          sync.Mutex // serializes input signals and lifecycle calls
	state       State
	unsubscribe func()
	stopTicker  context.CancelFunc
	ticker      quartz.Waiter
}

type Option func(*Tracker)

// WithLogger sets the logger to be used by Tracker.
func WithLogger(log slog.Logger) Option {
	return func(t *Tracker) {
		t.log = log
	}
}

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithMetrics shares a Metrics value between trackers.
func WithMetrics(m *Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithSendTimeout bounds a single delivery attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.sendTimeout = d
	}
}

// New returns an idle Tracker for surface. Call Start to begin tracking and
// Destroy to stop it.
func New(surface Surface, transport Transport, options Options, opts ...Option) *Tracker {
	t := &Tracker{
		log:         slog.Make(sloghuman.Sink(os.Stderr)),
		clock:       quartz.NewReal(),
		sendTimeout: DefaultSendTimeout,
		sessionID:   uuid.New(),
		surface:     surface,
		options:     options.WithDefaults(),
		buffer:      &Buffer{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if t.sendTimeout <= 0 {
		t.sendTimeout = DefaultSendTimeout
	}

	var elementID *string
	if id := surface.ID(); id != "" {
		elementID = &id
	}
	t.log = t.log.Named("tracker").With(
		slog.F("element_id", surface.ID()),
		slog.F("session_id", t.sessionID),
	)
	t.listener = listener{t: t}
	t.aggregator = newAggregator(t.clock, t.options.CheckInterval, t.buffer, t.metrics)
	t.sender = &Sender{
		log:         t.log,
		clock:       t.clock,
		buffer:      t.buffer,
		transport:   transport,
		metrics:     t.metrics,
		elementID:   elementID,
		sessionID:   t.sessionID.String(),
		sendTimeout: t.sendTimeout,
	}
	return t
}

// Start subscribes to the surface and starts the periodic flush. It is a
// no-op while already tracking.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateTracking {
		return
	}

	t.unsubscribe = t.surface.Subscribe(t.listener)
	t.state = StateTracking

	ctx, cancel := context.WithCancel(context.Background())
	t.stopTicker = cancel
	t.ticker = t.clock.TickerFunc(ctx, t.options.SendInterval, func() error {
		t.sender.Flush(ctx)
		return nil
	}, "tracker", "flush")

	t.log.Debug(ctx, "tracking started",
		slog.F("check_interval", t.options.CheckInterval),
		slog.F("send_interval", t.options.SendInterval),
	)
}

// Destroy stops tracking: the current dwell is finalized under the usual
// threshold, the surface is unsubscribed, the periodic flush is stopped and
// whatever is still buffered gets one last delivery attempt. It is a no-op
// while idle.
//
// A flush already waiting on the transport is not cancelled; Destroy waits
// for it to reconcile before the last attempt. Destroy can therefore block
// for up to twice the send timeout (20s with DefaultSendTimeout), and surface
// callbacks arriving meanwhile block with it.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateIdle {
		return
	}

	t.aggregator.flushActive()
	t.unsubscribe()
	t.unsubscribe = nil

	t.stopTicker()
	_ = t.ticker.Wait()
	t.stopTicker, t.ticker = nil, nil

	ctx := context.Background()
	if t.buffer.Len() > 0 {
		if !t.sender.Flush(ctx) {
			t.log.Warn(ctx, "records left undelivered at teardown", slog.F("buffered", t.buffer.Len()))
		}
	}

	t.aggregator.reset()
	t.state = StateIdle
	t.log.Debug(ctx, "tracking stopped")
}

// Flush delivers the buffer now instead of waiting for the next tick.
func (t *Tracker) Flush(ctx context.Context) bool {
	return t.sender.Flush(ctx)
}

// State reports whether the tracker is tracking.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Options returns the options the tracker was built with, defaults applied.
func (t *Tracker) Options() Options {
	return t.options
}

// SessionID identifies this tracker in every envelope it sends.
func (t *Tracker) SessionID() uuid.UUID {
	return t.sessionID
}

// Pending returns a copy of the records still waiting for delivery.
func (t *Tracker) Pending() []models.Record {
	return t.buffer.Snapshot()
}

// listener is the Tracker's subscription to its surface. It is created once
// in New so every subscription refers to the same Tracker.
type listener struct {
	t *Tracker
}

func (l listener) PointerEnter(e PointerEvent) {
	t := l.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateTracking {
		return
	}
	t.aggregator.Enter(Normalize(e, t.surface.BoundingRect()))
}

func (l listener) PointerMove(e PointerEvent) {
	t := l.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateTracking {
		return
	}
	t.aggregator.Move(Normalize(e, t.surface.BoundingRect()))
}

func (l listener) PointerLeave() {
	t := l.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateTracking {
		return
	}
	t.aggregator.Leave()
}
