package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"github.com/vincentbai/dwelltrace/internal/database"
	"github.com/vincentbai/dwelltrace/internal/models"
)

const maxBodyBytes = 1 << 20

type Server struct {
	db       *database.Database
	address  string
	server   *http.Server
	log      slog.Logger
	clock    quartz.Clock
	registry *prometheus.Registry
	metrics  *metrics
}

type metrics struct {
	envelopes      *prometheus.CounterVec
	recordsStored  prometheus.Counter
	heatmapQueries prometheus.Counter
}

type Option func(*Server)

func WithLogger(log slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

func NewServer(db *database.Database, address string, opts ...Option) *Server {
	s := &Server{
		db:       db,
		address:  address,
		log:      slog.Make(),
		clock:    quartz.NewReal(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = &metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "collector",
			Name:      "envelopes_total",
			Help:      "Envelopes received, by outcome.",
		}, []string{"result"}),
		recordsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "collector",
			Name:      "records_stored_total",
			Help:      "Dwell records written to the database.",
		}),
		heatmapQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwelltrace",
			Subsystem: "collector",
			Name:      "heatmap_queries_total",
			Help:      "Heat map requests served.",
		}),
	}
	s.registry.MustRegister(s.metrics.envelopes, s.metrics.recordsStored, s.metrics.heatmapQueries)
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleCoordinates(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	ctx := request.Context()
	var envelope models.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, request.Body, maxBodyBytes)).Decode(&envelope); err != nil {
		s.metrics.envelopes.WithLabelValues("bad_request").Inc()
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(envelope.Coordinates) == 0 {
		s.metrics.envelopes.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	batchID, err := s.db.InsertEnvelope(ctx, envelope, s.clock.Now())
	if err != nil {
		if xerrors.Is(err, database.ErrInvalidEnvelope) {
			s.metrics.envelopes.WithLabelValues("invalid").Inc()
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		s.metrics.envelopes.WithLabelValues("error").Inc()
		s.log.Error(ctx, "failed to store envelope", slog.F("records", len(envelope.Coordinates)), slog.Error(err))
		http.Error(w, "Failed to store coordinates", http.StatusInternalServerError)
		return
	}
	s.metrics.envelopes.WithLabelValues("stored").Inc()
	s.metrics.recordsStored.Add(float64(len(envelope.Coordinates)))
	s.log.Debug(ctx, "stored envelope",
		slog.F("batch_id", batchID),
		slog.F("session_id", envelope.SessionID),
		slog.F("records", len(envelope.Coordinates)),
	)
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) handleHeatmap(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	ctx := request.Context()
	var elementID *string
	if query := request.URL.Query(); query.Has("elementId") {
		id := query.Get("elementId")
		elementID = &id
	}
	cells, err := s.db.Heatmap(ctx, elementID)
	if err != nil {
		s.log.Error(ctx, "failed to build heatmap", slog.Error(err))
		http.Error(w, "Failed to build heatmap", http.StatusInternalServerError)
		return
	}
	s.metrics.heatmapQueries.Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cells)
}

// allowCrossOrigin lets pages on other origins post to the collector.
func allowCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/save.php", allowCrossOrigin(http.HandlerFunc(s.handleCoordinates)))
	mux.Handle("/coordinates", allowCrossOrigin(http.HandlerFunc(s.handleCoordinates)))
	mux.Handle("/heatmap", allowCrossOrigin(http.HandlerFunc(s.handleHeatmap)))
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return xerrors.Errorf("listen on %s: %w", s.address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "dwelltrace collector listening", slog.F("address", listener.Addr().String()))
		serveErr <- s.server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return xerrors.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info(context.Background(), "shutting down server")
	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownContext); err != nil {
		return xerrors.Errorf("server forced to shutdown: %w", err)
	}
	<-serveErr
	s.log.Info(context.Background(), "server exited")
	return nil
}
