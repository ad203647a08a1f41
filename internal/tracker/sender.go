package tracker

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/vincentbai/dwelltrace/internal/models"
)

// Transport delivers one envelope to the collector. A nil error means the
// collector accepted the batch.
type Transport interface {
	Send(ctx context.Context, envelope models.Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, envelope models.Envelope) error

func (f TransportFunc) Send(ctx context.Context, envelope models.Envelope) error {
	return f(ctx, envelope)
}

// Sender drains a Buffer into a Transport.
type Sender struct {
	log         slog.Logger
	clock       quartz.Clock
	buffer      *Buffer
	transport   Transport
	metrics     *Metrics
	elementID   *string
	sessionID   string
	sendTimeout time.Duration

	flushLock sync.Mutex // one flush at a time
}

// Flush sends everything currently buffered as one batch. A failed batch is
// put back at the front of the buffer; the error is logged, not returned,
// and Flush reports only whether delivery succeeded.
//
// If a previous flush is still waiting on the transport, Flush blocks until
// that flush has reconciled its batch.
func (s *Sender) Flush(ctx context.Context) bool {
	s.flushLock.Lock()
	defer s.flushLock.Unlock()

	batch := s.buffer.DrainAll()
	if len(batch) == 0 {
		return true
	}

	envelope := models.Envelope{
		Coordinates: batch,
		Timestamp:   s.clock.Now().UnixMilli(),
		ElementID:   s.elementID,
		SessionID:   s.sessionID,
	}

	// Don't inherit cancellation: an in-flight send outlives Destroy and is
	// still reconciled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, envelope); err != nil {
		s.buffer.PrependBatch(batch)
		s.metrics.Flushes.WithLabelValues("failure").Inc()
		s.metrics.RecordsRequeued.Add(float64(len(batch)))
		s.log.Warn(ctx, "delivery failed, batch re-queued",
			slog.F("records", len(batch)),
			slog.F("buffered", s.buffer.Len()),
			slog.Error(err),
		)
		return false
	}
	s.metrics.Flushes.WithLabelValues("success").Inc()
	s.metrics.RecordsDelivered.Add(float64(len(batch)))
	s.log.Debug(ctx, "delivered batch", slog.F("records", len(batch)))
	return true
}
