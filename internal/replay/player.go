package replay

import (
	"context"
	"net/url"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/vincentbai/dwelltrace/internal/host"
	"github.com/vincentbai/dwelltrace/internal/models"
	"github.com/vincentbai/dwelltrace/internal/tracker"
)

// Config controls a replay. Every field is optional.
type Config struct {
	// Transport overrides the HTTP transport to the trace's URL.
	Transport tracker.Transport
	// Collector resolves a relative trace URL for the HTTP transport.
	Collector *url.URL
	Clock     quartz.Clock
	Logger    slog.Logger
	Metrics   *tracker.Metrics
}

// Result describes a finished replay.
type Result struct {
	SessionID uuid.UUID
	// Undelivered holds whatever the final flush could not deliver.
	Undelivered []models.Record
}

// Run mounts an element for trace, plays its events in real time on the
// configured clock and unmounts it, which triggers the final flush.
func Run(ctx context.Context, trace Trace, cfg Config) (Result, error) {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	trackerOpts := []tracker.Option{tracker.WithClock(cfg.Clock)}
	if cfg.Metrics != nil {
		trackerOpts = append(trackerOpts, tracker.WithMetrics(cfg.Metrics))
	}
	opts := []host.Option{
		host.WithLogger(cfg.Logger),
		host.WithTrackerOptions(trackerOpts...),
	}
	if cfg.Collector != nil {
		opts = append(opts, host.WithCollector(cfg.Collector))
	}
	if cfg.Transport != nil {
		opts = append(opts, host.WithTransportFactory(func(string) tracker.Transport {
			return cfg.Transport
		}))
	}
	adapter := host.New(trace.Options(), opts...)

	el := host.NewElement(trace.Element, trace.Rect)
	tr, err := adapter.Mount(el)
	if err != nil {
		return Result{}, xerrors.Errorf("mount element: %w", err)
	}
	cfg.Logger.Info(ctx, "replaying trace",
		slog.F("events", len(trace.Events)),
		slog.F("duration", trace.Duration()),
		slog.F("session_id", tr.SessionID()),
	)

	playErr := Play(ctx, cfg.Clock, el, trace.Events)
	adapter.Unmount(el)

	result := Result{SessionID: tr.SessionID(), Undelivered: tr.Pending()}
	if playErr != nil {
		return result, xerrors.Errorf("play: %w", playErr)
	}
	return result, nil
}

// Play dispatches events to el, each at its offset from the moment Play is
// called.
func Play(ctx context.Context, clock quartz.Clock, el *host.Element, events []Event) error {
	start := clock.Now()
	for _, e := range events {
		if d := start.Add(e.At).Sub(clock.Now()); d > 0 {
			timer := clock.NewTimer(d, "replay")
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		dispatch(el, e)
	}
	return nil
}

func dispatch(el *host.Element, e Event) {
	switch e.Kind {
	case KindEnter:
		el.Enter(e.X, e.Y)
	case KindMove:
		el.Move(e.X, e.Y)
	case KindLeave:
		el.Leave()
	case KindResize:
		el.SetRect(*e.Rect)
	}
}
