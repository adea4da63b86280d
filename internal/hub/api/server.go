// Package api serves the hub's HTTP surface: state snapshots, pair
// statistics, CSV export, and a WebSocket feed for live viewers.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/hub"
	"github.com/banshee-data/proximity.report/internal/hub/store"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	agg         *hub.Aggregator
	db          *store.DB
	cfg         *config.HubConfig
	broadcaster *Broadcaster
}

// NewServer builds the API server over the aggregator and history
// store. db may be nil when the hub runs without persistence.
func NewServer(agg *hub.Aggregator, db *store.DB, cfg *config.HubConfig) *Server {
	if cfg == nil {
		cfg = &config.HubConfig{}
	}
	return &Server{
		agg:         agg,
		db:          db,
		cfg:         cfg,
		broadcaster: NewBroadcaster(agg, cfg.GetSnapshotInterval()),
	}
}

// Broadcaster returns the WebSocket broadcaster so the caller can run
// its push loop.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.showSnapshot)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/pairs", s.showPairStats)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/export/csv", s.exportCSV)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/ws", s.broadcaster.HandleWS)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(s.agg.Snapshot()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write snapshot")
		return
	}
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(s.agg.Counters()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
		return
	}
}

// showPairStats serves the distance distribution for one pair:
// /api/pairs?a=A&b=B&limit=500
func (s *Server) showPairStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "History store not configured")
		return
	}

	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if len(a) != 1 || len(b) != 1 {
		s.writeJSONError(w, http.StatusBadRequest, "Parameters 'a' and 'b' must be single-character identities")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	stats, err := s.db.PairDistanceStats(a, b, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve pair stats: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write pair stats")
		return
	}
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "History store not configured")
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	var (
		rows []store.Measurement
		err  error
	)
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a != "" || b != "" {
		if len(a) != 1 || len(b) != 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Parameters 'a' and 'b' must be single-character identities")
			return
		}
		rows, err = s.db.PairHistory(a, b, limit)
	} else {
		rows, err = s.db.Measurements(limit)
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}
	if rows == nil {
		rows = []store.Measurement{}
	}
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write history")
		return
	}
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(w, "History store not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=measurements-%d.csv", time.Now().Unix()))
	if err := s.db.ExportCSV(w); err != nil {
		log.Printf("CSV export failed: %v", err)
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	cfg := map[string]interface{}{
		"quality_threshold": s.cfg.GetQualityThreshold(),
		"stale_after":       s.cfg.GetStaleAfter().String(),
		"snapshot_interval": s.cfg.GetSnapshotInterval().String(),
		"proximity_model": map[string]float64{
			"near_m":   s.cfg.GetNearDistanceMeters(),
			"far_m":    s.cfg.GetFarDistanceMeters(),
			"cutoff_m": s.cfg.GetCutoffDistanceMeters(),
		},
	}
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}
