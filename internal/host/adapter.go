// Package host binds trackers to the surfaces a host application mounts and
// unmounts. It plays the part of a UI framework plugin: one tracker per
// mounted surface, started on mount and destroyed on unmount.
package host

import (
	"context"
	"net/url"
	"os"
	"sync"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/vincentbai/dwelltrace/internal/tracker"
	"github.com/vincentbai/dwelltrace/internal/transport"
)

var (
	ErrNilSurface     = xerrors.New("surface is nil")
	ErrAlreadyMounted = xerrors.New("surface is already mounted")
	ErrClosed         = xerrors.New("adapter is closed")

	// ErrRelativeURL is returned by Mount when the HTTP transport would be
	// given a URL without scheme and host. Set a collector with
	// WithCollector to resolve relative URLs such as the default /save.php.
	ErrRelativeURL = xerrors.New("relative collector url without a base")
)

// TransportFactory builds the transport for a tracker posting to url.
type TransportFactory func(url string) tracker.Transport

// Adapter owns the trackers of every mounted surface. Surfaces are used as
// map keys and must be comparable, which pointer types always are.
type Adapter struct {
	log          slog.Logger
	options      tracker.Options
	newTransport TransportFactory
	httpDefault  bool // newTransport is the built-in HTTP transport
	collector    *url.URL
	trackerOpts  []tracker.Option

	mu       sync.Mutex
	trackers map[tracker.Surface]*tracker.Tracker
	closed   bool
}

type Option func(*Adapter)

// WithLogger sets the logger handed to every tracker.
func WithLogger(log slog.Logger) Option {
	return func(a *Adapter) {
		a.log = log
	}
}

// WithTransportFactory replaces the default HTTP transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(a *Adapter) {
		a.newTransport = f
		a.httpDefault = false
	}
}

// WithCollector sets the base URL relative tracker URLs are resolved
// against, the way a browser resolves them against the page origin.
func WithCollector(base *url.URL) Option {
	return func(a *Adapter) {
		a.collector = base
	}
}

// WithTrackerOptions appends options applied to every tracker.
func WithTrackerOptions(opts ...tracker.Option) Option {
	return func(a *Adapter) {
		a.trackerOpts = append(a.trackerOpts, opts...)
	}
}

// New returns an Adapter creating trackers with options. Unset options take
// the tracker defaults.
func New(options tracker.Options, opts ...Option) *Adapter {
	a := &Adapter{
		log:     slog.Make(sloghuman.Sink(os.Stderr)),
		options: options.WithDefaults(),
		newTransport: func(endpoint string) tracker.Transport {
			return transport.NewHTTP(endpoint, nil)
		},
		httpDefault: true,
		trackers:    make(map[tracker.Surface]*tracker.Tracker),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Mount creates and starts a tracker for surface.
func (a *Adapter) Mount(surface tracker.Surface) (*tracker.Tracker, error) {
	if surface == nil {
		return nil, ErrNilSurface
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if _, ok := a.trackers[surface]; ok {
		return nil, xerrors.Errorf("mount %q: %w", surface.ID(), ErrAlreadyMounted)
	}

	endpoint, err := a.endpoint()
	if err != nil {
		return nil, xerrors.Errorf("mount %q: %w", surface.ID(), err)
	}

	opts := append([]tracker.Option{tracker.WithLogger(a.log)}, a.trackerOpts...)
	tr := tracker.New(surface, a.newTransport(endpoint), a.options, opts...)
	tr.Start()
	a.trackers[surface] = tr
	a.log.Debug(context.Background(), "surface mounted",
		slog.F("element_id", surface.ID()),
		slog.F("endpoint", endpoint),
	)
	return tr, nil
}

// endpoint resolves the tracker URL against the collector, if one is set.
// Custom transport factories receive relative URLs unchanged.
func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.options.URL)
	if err != nil {
		return "", xerrors.Errorf("parse url %q: %w", a.options.URL, err)
	}
	if a.collector != nil {
		u = a.collector.ResolveReference(u)
	}
	if !u.IsAbs() && a.httpDefault {
		return "", xerrors.Errorf("url %q: %w", a.options.URL, ErrRelativeURL)
	}
	return u.String(), nil
}

// Unmount destroys the tracker of surface, which performs its final flush.
// It reports whether surface was mounted.
func (a *Adapter) Unmount(surface tracker.Surface) bool {
	a.mu.Lock()
	tr, ok := a.trackers[surface]
	delete(a.trackers, surface)
	a.mu.Unlock()
	if !ok {
		return false
	}
	tr.Destroy()
	a.log.Debug(context.Background(), "surface unmounted", slog.F("element_id", surface.ID()))
	return true
}

// Mounted returns the number of mounted surfaces.
func (a *Adapter) Mounted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.trackers)
}

// Close destroys every mounted tracker concurrently and refuses further
// mounts. It returns ctx's error if the final flushes outlast ctx; they keep
// running in the background in that case.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	trackers := a.trackers
	a.trackers = make(map[tracker.Surface]*tracker.Tracker)
	a.mu.Unlock()

	var eg errgroup.Group
	for _, tr := range trackers {
		eg.Go(func() error {
			tr.Destroy()
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("close %d trackers: %w", len(trackers), ctx.Err())
	}
}
