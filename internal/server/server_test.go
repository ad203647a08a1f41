package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/dwelltrace/internal/database"
	"github.com/vincentbai/dwelltrace/internal/host"
	"github.com/vincentbai/dwelltrace/internal/models"
	"github.com/vincentbai/dwelltrace/internal/tracker"
	"github.com/vincentbai/dwelltrace/internal/transport"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.NewDatabase(dbPath)
	require.NoError(t, err, "create test database")
	t.Cleanup(func() {
		_ = db.Close()
	})

	return NewServer(db, "127.0.0.1:0", WithLogger(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})))
}

func postEnvelope(t *testing.T, server *Server, envelope models.Envelope) *http.Response {
	t.Helper()
	jsonData, err := json.Marshal(envelope)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/save.php", bytes.NewReader(jsonData))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.handleCoordinates(w, req)
	return w.Result()
}

func strPtr(s string) *string {
	return &s
}

func TestNewServer(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	require.NotNil(t, server.db)
	assert.Equal(t, "127.0.0.1:0", server.address)
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.handleHealthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestHandleCoordinatesSuccess(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	resp := postEnvelope(t, server, models.Envelope{
		Coordinates: []models.Record{{X: 0, Y: 0, TimeMs: 90}, {X: 10, Y: 10, TimeMs: 40}},
		Timestamp:   1700000000000,
		ElementID:   strPtr("trackArea"),
		SessionID:   "session-1",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	n, err := server.db.SessionBatches(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 2, testutil.ToFloat64(server.metrics.recordsStored))
	assert.EqualValues(t, 1, testutil.ToFloat64(server.metrics.envelopes.WithLabelValues("stored")))
}

func TestHandleCoordinatesMethodNotAllowed(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/save.php", nil)
	w := httptest.NewRecorder()
	server.handleCoordinates(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleCoordinatesInvalidJSON(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/save.php", strings.NewReader(`{"coordinates": [invalid json]}`))
	w := httptest.NewRecorder()
	server.handleCoordinates(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.EqualValues(t, 1, testutil.ToFloat64(server.metrics.envelopes.WithLabelValues("bad_request")))
}

func TestHandleCoordinatesEmptyBatch(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	resp := postEnvelope(t, server, models.Envelope{Coordinates: []models.Record{}, Timestamp: 1700000000000})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cells, err := server.db.Heatmap(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestHandleCoordinatesInvalidEnvelope(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	resp := postEnvelope(t, server, models.Envelope{
		Coordinates: []models.Record{{X: 1, Y: 1, TimeMs: -5}},
		Timestamp:   1700000000000,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleCoordinatesStoreFailure(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)
	require.NoError(t, server.db.Close())

	resp := postEnvelope(t, server, models.Envelope{
		Coordinates: []models.Record{{X: 1, Y: 1, TimeMs: 30}},
		Timestamp:   1700000000000,
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandleHeatmap(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	postEnvelope(t, server, models.Envelope{
		Coordinates: []models.Record{{X: 1, Y: 1, TimeMs: 30}, {X: 2, Y: 2, TimeMs: 60}},
		Timestamp:   1700000000000,
		ElementID:   strPtr("trackArea"),
	})
	postEnvelope(t, server, models.Envelope{
		Coordinates: []models.Record{{X: 5, Y: 5, TimeMs: 45}},
		Timestamp:   1700000000000,
	})

	tests := []struct {
		name  string
		query string
		want  []models.HeatCell
	}{
		{
			name:  "named element",
			query: "?elementId=trackArea",
			want:  []models.HeatCell{{X: 2, Y: 2, TimeMs: 60, Visits: 1}, {X: 1, Y: 1, TimeMs: 30, Visits: 1}},
		},
		{
			name: "unnamed element",
			want: []models.HeatCell{{X: 5, Y: 5, TimeMs: 45, Visits: 1}},
		},
		{
			name:  "unknown element",
			query: "?elementId=nope",
			want:  []models.HeatCell{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/heatmap"+tt.query, nil)
			w := httptest.NewRecorder()
			server.handleHeatmap(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			var got []models.HeatCell
			require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupRoutes(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	mux := server.setupRoutes()
	require.NotNil(t, mux)

	tests := []struct {
		path   string
		method string
		status int
	}{
		{"/healthz", http.MethodGet, http.StatusOK},
		{"/save.php", http.MethodGet, http.StatusMethodNotAllowed}, // Only POST allowed
		{"/coordinates", http.MethodGet, http.StatusMethodNotAllowed},
		{"/save.php", http.MethodOptions, http.StatusNoContent},
		{"/heatmap", http.MethodPost, http.StatusMethodNotAllowed},
		{"/heatmap", http.MethodGet, http.StatusOK},
		{"/metrics", http.MethodGet, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code, "%s %s", tt.method, tt.path)
		})
	}
}

func TestCrossOriginHeaders(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/save.php", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Content-Type")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	server := setupTestServer(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, listener)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// TestTrackerToCollector runs the whole pipeline: a mounted element, its
// tracker, the HTTP transport and this collector.
func TestTrackerToCollector(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := setupTestServer(t)
	srv := httptest.NewServer(server.setupRoutes())
	defer srv.Close()

	clock := quartz.NewMock(t)
	// The collector rejects envelopes without a positive send time.
	clock.Set(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	adapter := host.New(tracker.Options{URL: srv.URL + "/save.php"},
		host.WithLogger(slogtest.Make(t, nil)),
		host.WithTransportFactory(func(url string) tracker.Transport {
			return transport.NewHTTP(url, srv.Client())
		}),
		host.WithTrackerOptions(tracker.WithClock(clock)),
	)
	el := host.NewElement("trackArea", tracker.Rect{Left: 100, Top: 100, Width: 400, Height: 300})
	tr, err := adapter.Mount(el)
	require.NoError(t, err)

	el.Enter(100, 100)
	clock.Advance(50 * time.Millisecond)
	el.Move(110, 110)
	clock.Advance(10 * time.Millisecond)
	el.Move(100, 100)
	clock.Advance(40 * time.Millisecond)
	el.Leave()

	_, w := clock.AdvanceNext()
	w.MustWait(ctx)
	assert.Empty(t, tr.Pending())

	el.Enter(300, 200)
	clock.Advance(120 * time.Millisecond)
	require.NoError(t, adapter.Close(ctx))

	cells, err := server.db.Heatmap(ctx, strPtr("trackArea"))
	require.NoError(t, err)
	assert.Equal(t, []models.HeatCell{
		{X: 200, Y: 100, TimeMs: 120, Visits: 1},
		{X: 0, Y: 0, TimeMs: 90, Visits: 1},
	}, cells)

	n, err := server.db.SessionBatches(ctx, tr.SessionID().String())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
