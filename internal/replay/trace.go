// Package replay plays recorded pointer traces through a tracker, so the
// delivery pipeline can be exercised without a browser.
package replay

import (
	"io"
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/vincentbai/dwelltrace/internal/tracker"
)

type Kind string

const (
	KindEnter  Kind = "enter"
	KindMove   Kind = "move"
	KindLeave  Kind = "leave"
	KindResize Kind = "resize" // the element moved or changed size
)

// Event is one recorded input signal. X and Y are client coordinates.
type Event struct {
	At   time.Duration `yaml:"at"`
	Kind Kind          `yaml:"kind"`
	X    float64       `yaml:"x"`
	Y    float64       `yaml:"y"`
	Rect *tracker.Rect `yaml:"rect,omitempty"`
}

// Trace is a recorded session over one element.
type Trace struct {
	Element       string        `yaml:"element"`
	Rect          tracker.Rect  `yaml:"rect"`
	CheckInterval time.Duration `yaml:"checkInterval"`
	SendInterval  time.Duration `yaml:"sendInterval"`
	URL           string        `yaml:"url"`
	Events        []Event       `yaml:"events"`
}

// Options converts the trace's settings into tracker options.
func (t Trace) Options() tracker.Options {
	return tracker.Options{
		CheckInterval: t.CheckInterval,
		SendInterval:  t.SendInterval,
		URL:           t.URL,
	}.WithDefaults()
}

// Validate checks that events are known and in chronological order.
func (t Trace) Validate() error {
	var last time.Duration
	for i, e := range t.Events {
		switch e.Kind {
		case KindEnter, KindMove, KindLeave:
		case KindResize:
			if e.Rect == nil {
				return xerrors.Errorf("event %d: resize without rect", i)
			}
		default:
			return xerrors.Errorf("event %d: unknown kind %q", i, e.Kind)
		}
		if e.At < last {
			return xerrors.Errorf("event %d: at %s is before the previous event at %s", i, e.At, last)
		}
		last = e.At
	}
	return nil
}

// Duration is the offset of the last event.
func (t Trace) Duration() time.Duration {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].At
}

// Load decodes and validates a YAML trace.
func Load(r io.Reader) (Trace, error) {
	var trace Trace
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&trace); err != nil {
		return Trace{}, xerrors.Errorf("decode trace: %w", err)
	}
	if err := trace.Validate(); err != nil {
		return Trace{}, xerrors.Errorf("invalid trace: %w", err)
	}
	return trace, nil
}

// LoadFile is Load on the file at path.
func LoadFile(path string) (Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return Trace{}, xerrors.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return Load(f)
}
