package tracker

import (
	"sync"

	"github.com/vincentbai/dwelltrace/internal/models"
)

// Buffer is the ordered queue of finalized records awaiting delivery.
// Insertion order is finalization order. It is safe for concurrent use and
// never drops a record on its own.
type Buffer struct {
	mu      sync.Mutex
	records []models.Record
}

// Append adds r at the tail.
func (b *Buffer) Append(r models.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
}

// MergeOrAppend adds r's time to the tail record when the tail sits at the
// same coordinates, and appends r otherwise. It reports whether it merged.
func (b *Buffer) MergeOrAppend(r models.Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.records); n > 0 {
		tail := &b.records[n-1]
		if tail.X == r.X && tail.Y == r.Y {
			tail.TimeMs += r.TimeMs
			return true
		}
	}
	b.records = append(b.records, r)
	return false
}

// DrainAll empties the buffer and returns what it held, in order.
func (b *Buffer) DrainAll() []models.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.records
	b.records = nil
	return drained
}

// PrependBatch puts batch back at the front, ahead of anything appended
// since it was drained.
func (b *Buffer) PrependBatch(batch []models.Record) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	restored := make([]models.Record, 0, len(batch)+len(b.records))
	restored = append(restored, batch...)
	restored = append(restored, b.records...)
	b.records = restored
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Snapshot returns a copy of the buffered records.
func (b *Buffer) Snapshot() []models.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return nil
	}
	out := make([]models.Record, len(b.records))
	copy(out, b.records)
	return out
}
