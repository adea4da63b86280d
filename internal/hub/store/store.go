// Package store persists the measurement history in sqlite and serves
// exports over it. Pair state lives in the aggregator; the store is the
// append-only record of everything the hub has seen.
package store

import (
	"compress/gzip"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/proximity.report/internal/record"
)

type DB struct {
	*sql.DB
	path string
}

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS measurements (
			node              TEXT,
			peer              TEXT,
			distance_m        DOUBLE,
			quality           DOUBLE,
			accepted          INTEGER,
			sender_ts         BIGINT,
			received_at       TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS measurements_pair
			ON measurements (node, peer, received_at);
		CREATE TABLE IF NOT EXISTS unit_events (
			node              TEXT,
			kind              TEXT,
			message           TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{DB: db, path: path}, nil
}

// RecordMeasurement appends one distance record to history. Identities
// are stored normalised (smaller first) so pair queries need no OR.
func (db *DB) RecordMeasurement(rec record.Distance, receivedAt time.Time, accepted bool) error {
	node, peer := rec.Node, rec.Peer
	if node > peer {
		node, peer = peer, node
	}
	_, err := db.Exec(
		`INSERT INTO measurements (node, peer, distance_m, quality, accepted, sender_ts, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		node, peer, rec.Distance, rec.Quality, accepted, rec.Timestamp, receivedAt.UTC(),
	)
	return err
}

// RecordUnitEvent appends a heartbeat or status event.
func (db *DB) RecordUnitEvent(node, kind, message string) error {
	_, err := db.Exec(
		`INSERT INTO unit_events (node, kind, message) VALUES (?, ?, ?)`,
		node, kind, message,
	)
	return err
}

// Measurement is one stored history row.
type Measurement struct {
	Node       string    `json:"node"`
	Peer       string    `json:"peer"`
	DistanceM  float64   `json:"distance_m"`
	Quality    float64   `json:"quality"`
	Accepted   bool      `json:"accepted"`
	SenderTS   int64     `json:"sender_ts"`
	ReceivedAt time.Time `json:"received_at"`
}

// PairHistory returns the most recent measurements for one pair, newest
// first.
func (db *DB) PairHistory(nodeA, nodeB string, limit int) ([]Measurement, error) {
	if nodeA > nodeB {
		nodeA, nodeB = nodeB, nodeA
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT node, peer, distance_m, quality, accepted, sender_ts, received_at
		 FROM measurements WHERE node = ? AND peer = ?
		 ORDER BY received_at DESC LIMIT ?`,
		nodeA, nodeB, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// Measurements returns the most recent history rows across all pairs.
func (db *DB) Measurements(limit int) ([]Measurement, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT node, peer, distance_m, quality, accepted, sender_ts, received_at
		 FROM measurements ORDER BY received_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

func scanMeasurements(rows *sql.Rows) ([]Measurement, error) {
	var out []Measurement
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.Node, &m.Peer, &m.DistanceM, &m.Quality,
			&m.Accepted, &m.SenderTS, &m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PairStats summarises the accepted distance distribution for one pair.
type PairStats struct {
	NodeA   string  `json:"node_a"`
	NodeB   string  `json:"node_b"`
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean_m"`
	StdDev  float64 `json:"stddev_m"`
	P50     float64 `json:"p50_m"`
	P85     float64 `json:"p85_m"`
	P98     float64 `json:"p98_m"`
}

// PairDistanceStats computes distribution statistics over the accepted
// measurements of one pair.
func (db *DB) PairDistanceStats(nodeA, nodeB string, limit int) (PairStats, error) {
	if nodeA > nodeB {
		nodeA, nodeB = nodeB, nodeA
	}
	stats := PairStats{NodeA: nodeA, NodeB: nodeB}

	history, err := db.PairHistory(nodeA, nodeB, limit)
	if err != nil {
		return stats, err
	}
	var distances []float64
	for _, m := range history {
		if m.Accepted {
			distances = append(distances, m.DistanceM)
		}
	}
	stats.Samples = len(distances)
	if len(distances) == 0 {
		return stats, nil
	}

	sort.Float64s(distances)
	stats.Mean, stats.StdDev = stat.MeanStdDev(distances, nil)
	if len(distances) == 1 {
		stats.StdDev = 0
	}
	stats.P50 = stat.Quantile(0.50, stat.Empirical, distances, nil)
	stats.P85 = stat.Quantile(0.85, stat.Empirical, distances, nil)
	stats.P98 = stat.Quantile(0.98, stat.Empirical, distances, nil)
	return stats, nil
}

// ExportCSV streams the full measurement history as CSV, oldest first.
func (db *DB) ExportCSV(w io.Writer) error {
	rows, err := db.Query(
		`SELECT node, peer, distance_m, quality, accepted, received_at
		 FROM measurements ORDER BY received_at ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"received_at", "node", "peer", "distance_m", "quality", "accepted"}); err != nil {
		return err
	}
	for rows.Next() {
		var (
			node, peer        string
			distance, quality float64
			accepted          bool
			receivedAt        time.Time
		)
		if err := rows.Scan(&node, &peer, &distance, &quality, &accepted, &receivedAt); err != nil {
			return err
		}
		err := cw.Write([]string{
			receivedAt.UTC().Format(time.RFC3339),
			node, peer,
			strconv.FormatFloat(distance, 'f', 2, 64),
			strconv.FormatFloat(quality, 'f', 2, 64),
			strconv.FormatBool(accepted),
		})
		if err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// AttachAdminRoutes mounts the SQL debugger and backup endpoint under
// /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Proximity DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
