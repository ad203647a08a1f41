package host

import (
	"sync"

	"github.com/vincentbai/dwelltrace/internal/tracker"
)

// Element is an in-memory surface for hosts that receive pointer events
// from somewhere other than a DOM, such as a recorded trace.
type Element struct {
	id string

	mu        sync.Mutex
	rect      tracker.Rect
	listeners map[int]tracker.Listener
	nextID    int
}

var _ tracker.Surface = (*Element)(nil)

func NewElement(id string, rect tracker.Rect) *Element {
	return &Element{
		id:        id,
		rect:      rect,
		listeners: make(map[int]tracker.Listener),
	}
}

func (e *Element) ID() string {
	return e.id
}

func (e *Element) BoundingRect() tracker.Rect {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rect
}

// SetRect moves or resizes the element, as a scroll or layout change would.
func (e *Element) SetRect(rect tracker.Rect) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rect = rect
}

func (e *Element) Subscribe(l tracker.Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.listeners, id)
		})
	}
}

// Listeners returns the number of attached listeners.
func (e *Element) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Enter dispatches a pointer-enter at client coordinates (x, y).
func (e *Element) Enter(x, y float64) {
	for _, l := range e.snapshot() {
		l.PointerEnter(tracker.PointerEvent{ClientX: x, ClientY: y})
	}
}

// Move dispatches a pointer-move at client coordinates (x, y).
func (e *Element) Move(x, y float64) {
	for _, l := range e.snapshot() {
		l.PointerMove(tracker.PointerEvent{ClientX: x, ClientY: y})
	}
}

// Leave dispatches a pointer-leave.
func (e *Element) Leave() {
	for _, l := range e.snapshot() {
		l.PointerLeave()
	}
}

// snapshot lets listeners run without holding e.mu, so a listener may
// unsubscribe or read the rect from inside a callback.
func (e *Element) snapshot() []tracker.Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]tracker.Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l)
	}
	return out
}
