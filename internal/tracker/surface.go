package tracker

import (
	"math"

	"github.com/vincentbai/dwelltrace/internal/models"
)

// Rect is a surface's bounding rectangle in client coordinates.
type Rect struct {
	Left   float64 `json:"left" yaml:"left"`
	Top    float64 `json:"top" yaml:"top"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// PointerEvent carries the raw client-space coordinates of a pointer event.
type PointerEvent struct {
	ClientX float64
	ClientY float64
}

// Listener receives the input signals of one surface.
type Listener interface {
	PointerEnter(PointerEvent)
	PointerMove(PointerEvent)
	PointerLeave()
}

// Surface is the host-side element a Tracker measures against.
type Surface interface {
	// ID identifies the surface to the collector. Empty means unnamed.
	ID() string
	// BoundingRect is read on every event, never cached.
	BoundingRect() Rect
	// Subscribe attaches l to the surface's pointer events and returns a
	// function that detaches it.
	Subscribe(l Listener) (unsubscribe func())
}

// Normalize converts client coordinates into surface-relative integer
// coordinates. Halves round up, as the browser's Math.round does.
func Normalize(event PointerEvent, rect Rect) models.Sample {
	return models.Sample{
		X: roundHalfUp(event.ClientX - rect.Left),
		Y: roundHalfUp(event.ClientY - rect.Top),
	}
}

// roundHalfUp saturates at the int range; NaN becomes 0.
func roundHalfUp(v float64) int {
	r := math.Floor(v + 0.5)
	switch {
	case math.IsNaN(r):
		return 0
	case r >= math.MaxInt:
		return math.MaxInt
	case r <= math.MinInt:
		return math.MinInt
	}
	return int(r)
}
