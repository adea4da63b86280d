// Package record defines the JSON datagrams units send to the hub.
// Three kinds travel over the same UDP port: distance measurements,
// heartbeats, and free-form status messages. Distance records carry no
// "type" field (the original sender format predates the other kinds);
// heartbeat and status records are tagged explicitly.
package record

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/proximity.report/internal/ranging"
)

// Record kinds as they appear in the "type" field.
const (
	KindDistance  = "distance"
	KindHeartbeat = "heartbeat"
	KindStatus    = "status"
)

// maxDistanceMeters bounds accepted measurements; anything outside is
// dropped at ingest as sensor garbage.
const maxDistanceMeters = 100.0

// Distance is one ranging measurement reported by the initiating unit.
type Distance struct {
	Node     string  `json:"node"`
	Peer     string  `json:"peer"`
	Distance float64 `json:"distance"`
	Quality  float64 `json:"quality"`
	// Timestamp is the sender's wall clock in Unix seconds. Best effort;
	// the hub trusts its own receipt time for freshness.
	Timestamp int64 `json:"ts,omitempty"`
}

// Heartbeat is a periodic liveness beacon from a unit.
type Heartbeat struct {
	Node      string `json:"node"`
	Type      string `json:"type"`
	Timestamp int64  `json:"ts"`
	RSSI      int    `json:"rssi,omitempty"`
}

// Status is a free-form diagnostic message from a unit.
type Status struct {
	Node      string `json:"node"`
	Type      string `json:"type"`
	Message   string `json:"msg"`
	Timestamp int64  `json:"ts"`
}

// FromResult builds the wire record for a successful ranging result.
// Distance travels rounded to centimeters; more precision than that is
// below the measurement noise floor.
func FromResult(res ranging.Result) Distance {
	return Distance{
		Node:      res.Source.String(),
		Peer:      res.Peer.String(),
		Distance:  round2(res.Distance),
		Quality:   round2(res.Quality),
		Timestamp: res.At.Unix(),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Validate checks a decoded distance record against the ingest rules:
// single-character identities, distance within [0, 100] m, quality
// within [0, 1].
func (d *Distance) Validate() error {
	if len(d.Node) != 1 || len(d.Peer) != 1 {
		return fmt.Errorf("identities must be single characters, got %q and %q", d.Node, d.Peer)
	}
	if d.Node == d.Peer {
		return fmt.Errorf("unit %q cannot range against itself", d.Node)
	}
	if d.Distance < 0 || d.Distance > maxDistanceMeters {
		return fmt.Errorf("distance %.2f outside [0, %v]", d.Distance, maxDistanceMeters)
	}
	if d.Quality < 0 || d.Quality > 1 {
		return fmt.Errorf("quality %.2f outside [0, 1]", d.Quality)
	}
	return nil
}

// Pair returns the normalised pair key for this measurement.
func (d *Distance) Pair() (ranging.Pair, error) {
	a, err := ranging.ParseUnitID(d.Node)
	if err != nil {
		return ranging.Pair{}, err
	}
	b, err := ranging.ParseUnitID(d.Peer)
	if err != nil {
		return ranging.Pair{}, err
	}
	return ranging.PairOf(a, b), nil
}

// NewHeartbeat builds a liveness beacon for the given unit.
func NewHeartbeat(node ranging.UnitID, rssi int, now time.Time) Heartbeat {
	return Heartbeat{Node: node.String(), Type: KindHeartbeat, Timestamp: now.Unix(), RSSI: rssi}
}

// NewStatus builds a diagnostic message for the given unit.
func NewStatus(node ranging.UnitID, msg string, now time.Time) Status {
	return Status{Node: node.String(), Type: KindStatus, Message: msg, Timestamp: now.Unix()}
}

// Kind classifies a raw datagram without fully decoding it. Untagged
// records are distance measurements.
func Kind(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("not a JSON record: %w", err)
	}
	switch env.Type {
	case "":
		return KindDistance, nil
	case KindHeartbeat, KindStatus:
		return env.Type, nil
	}
	return "", fmt.Errorf("unknown record type %q", env.Type)
}
