package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/hub"
	"github.com/banshee-data/proximity.report/internal/hub/store"
	"github.com/banshee-data/proximity.report/internal/record"
)

func newTestServer(t *testing.T) (*Server, *hub.Aggregator, *store.DB) {
	t.Helper()
	db, err := store.NewDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	agg := hub.NewAggregator(hub.AggregatorConfig{
		QualityThreshold: 0.5,
		Recorder:         db,
	})
	return NewServer(agg, db, &config.HubConfig{}), agg, db
}

func ingest(t *testing.T, agg *hub.Aggregator, node, peer string, d, q float64) {
	t.Helper()
	if err := agg.Ingest(record.Distance{Node: node, Peer: peer, Distance: d, Quality: q}); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, agg, _ := newTestServer(t)
	ingest(t, agg, "A", "B", 2.0, 0.9)
	ingest(t, agg, "B", "C", 4.5, 0.8)

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}

	var snap hub.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Pairs) != 2 || len(snap.Nodes) != 3 {
		t.Errorf("snapshot: %d pairs, %d nodes", len(snap.Pairs), len(snap.Nodes))
	}
	if snap.Pairs[0].NodeA != "A" || snap.Pairs[0].Proximity <= 0 {
		t.Errorf("first pair: %+v", snap.Pairs[0])
	}
	// 4.5 m is past the default far distance.
	if snap.Pairs[1].Proximity != 0 {
		t.Errorf("distant pair proximity: %+v", snap.Pairs[1])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, agg, _ := newTestServer(t)
	ingest(t, agg, "A", "B", 2.0, 0.9)
	ingest(t, agg, "A", "B", 2.0, 0.2) // rejected

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var stats hub.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.MeasurementsReceived != 2 || stats.MeasurementsRejected != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestPairStatsEndpoint(t *testing.T) {
	srv, agg, _ := newTestServer(t)
	for _, d := range []float64{2.0, 2.2, 2.4} {
		ingest(t, agg, "A", "B", d, 0.9)
	}

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pairs?a=B&b=A", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d, body %s", rec.Code, rec.Body.String())
	}
	var stats store.PairStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Samples != 3 || stats.P50 != 2.2 {
		t.Errorf("pair stats: %+v", stats)
	}

	rec = httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pairs?a=AB&b=C", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad identity: got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, agg, _ := newTestServer(t)
	ingest(t, agg, "A", "B", 2.0, 0.9)
	ingest(t, agg, "C", "D", 3.0, 0.9)

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?a=A&b=B", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var rows []store.Measurement
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].DistanceM != 2.0 {
		t.Errorf("history: %+v", rows)
	}
}

func TestExportCSVEndpoint(t *testing.T) {
	srv, agg, _ := newTestServer(t)
	ingest(t, agg, "A", "B", 2.0, 0.9)

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/export/csv", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type: %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "A,B,2.00,0.90,true") {
		t.Errorf("csv body: %q", rec.Body.String())
	}
}

func TestConfigEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var cfg map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["quality_threshold"] != 0.5 {
		t.Errorf("config: %+v", cfg)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/api/snapshot", "/api/stats", "/api/pairs", "/api/config"} {
		rec := httptest.NewRecorder()
		srv.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: got %d", path, rec.Code)
		}
	}
}

func TestWebSocketReceivesSnapshots(t *testing.T) {
	srv, agg, _ := newTestServer(t)
	ingest(t, agg, "A", "B", 2.0, 0.9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Broadcaster().Run(ctx)

	ts := httptest.NewServer(srv.ServeMux())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The initial snapshot arrives without waiting for the cadence.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap hub.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Pairs) != 1 || snap.Pairs[0].DistanceM != 2.0 {
		t.Errorf("snapshot over ws: %+v", snap.Pairs)
	}
}
