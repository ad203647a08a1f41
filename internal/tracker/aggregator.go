package tracker

import (
	"time"

	"github.com/coder/quartz"

	"github.com/vincentbai/dwelltrace/internal/models"
)

// activePosition is the dwell currently being timed.
type activePosition struct {
	position  models.Sample
	startedAt time.Time
}

// Aggregator folds a sample stream into dwell records. It is not safe for
// concurrent use; Tracker serializes calls into it.
type Aggregator struct {
	clock     quartz.Clock
	threshold time.Duration
	buffer    *Buffer
	metrics   *Metrics

	active      *activePosition
	overSurface bool
}

func newAggregator(clock quartz.Clock, threshold time.Duration, buffer *Buffer, metrics *Metrics) *Aggregator {
	return &Aggregator{
		clock:     clock,
		threshold: threshold,
		buffer:    buffer,
		metrics:   metrics,
	}
}

// Enter starts timing s as the pointer comes onto the surface.
func (a *Aggregator) Enter(s models.Sample) {
	a.overSurface = true
	a.active = &activePosition{position: s, startedAt: a.clock.Now()}
	a.Move(s)
}

// Move handles a sample while the pointer is over the surface.
func (a *Aggregator) Move(s models.Sample) {
	if !a.overSurface {
		return
	}
	if a.active == nil {
		a.active = &activePosition{position: s, startedAt: a.clock.Now()}
		return
	}
	if a.active.position == s {
		return
	}
	now := a.clock.Now()
	a.finalize(now)
	a.active = &activePosition{position: s, startedAt: now}
}

// Leave finalizes the current dwell. Time spent off the surface is never
// attributed to any position.
func (a *Aggregator) Leave() {
	a.overSurface = false
	a.flushActive()
}

// reset finalizes the current dwell, if any, and forgets all pointer state.
func (a *Aggregator) reset() {
	a.flushActive()
	a.overSurface = false
}

func (a *Aggregator) flushActive() {
	if a.active == nil {
		return
	}
	a.finalize(a.clock.Now())
	a.active = nil
}

func (a *Aggregator) finalize(now time.Time) {
	d := now.Sub(a.active.startedAt)
	if d < a.threshold {
		a.metrics.DwellsDropped.Inc()
		return
	}
	a.buffer.MergeOrAppend(models.Record{
		X:      a.active.position.X,
		Y:      a.active.position.Y,
		TimeMs: d.Milliseconds(),
	})
	a.metrics.RecordsFinalized.Inc()
}
