package network

import (
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/proximity.report/internal/record"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// mockHandler records everything dispatched to it.
type mockHandler struct {
	mu         sync.Mutex
	distances  []record.Distance
	heartbeats []record.Heartbeat
	statuses   []record.Status
}

func (m *mockHandler) Ingest(rec record.Distance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distances = append(m.distances, rec)
	return nil
}

func (m *mockHandler) Heartbeat(rec record.Heartbeat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, rec)
}

func (m *mockHandler) Status(rec record.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, rec)
}

// countingStats tracks calls for assertions.
type countingStats struct {
	packets, invalid, duplicates int
}

func (s *countingStats) AddPacket(bytes int) { s.packets++ }
func (s *countingStats) AddInvalid()         { s.invalid++ }
func (s *countingStats) AddDuplicate()       { s.duplicates++ }
func (s *countingStats) LogStats()           {}

func newTestListener(handler Handler, stats PacketStatsInterface, clock timeutil.Clock) *UDPListener {
	return NewUDPListener(UDPListenerConfig{
		Address:     "127.0.0.1:0",
		Stats:       stats,
		Handler:     handler,
		Dedup:       true,
		DedupWindow: time.Second,
		Clock:       clock,
	})
}

func TestHandlePacketDispatch(t *testing.T) {
	handler := &mockHandler{}
	stats := &countingStats{}
	l := newTestListener(handler, stats, timeutil.NewMockClock(time.Unix(1700000000, 0)))

	packets := []string{
		`{"node":"A","peer":"B","distance":2.50,"quality":0.90,"ts":1700000000}`,
		`{"node":"A","type":"heartbeat","ts":1700000001,"rssi":-58}`,
		`{"node":"B","type":"status","msg":"diagnostics","ts":1700000002}`,
	}
	for _, p := range packets {
		if err := l.HandlePacket([]byte(p)); err != nil {
			t.Fatalf("HandlePacket(%s): %v", p, err)
		}
	}

	if len(handler.distances) != 1 || handler.distances[0].Node != "A" || handler.distances[0].Distance != 2.5 {
		t.Errorf("distances: %+v", handler.distances)
	}
	if len(handler.heartbeats) != 1 || handler.heartbeats[0].RSSI != -58 {
		t.Errorf("heartbeats: %+v", handler.heartbeats)
	}
	if len(handler.statuses) != 1 || handler.statuses[0].Message != "diagnostics" {
		t.Errorf("statuses: %+v", handler.statuses)
	}
	if stats.packets != 3 || stats.invalid != 0 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestHandlePacketRejectsInvalid(t *testing.T) {
	handler := &mockHandler{}
	stats := &countingStats{}
	l := newTestListener(handler, stats, timeutil.NewMockClock(time.Unix(0, 0)))

	bad := []string{
		`not json at all`,
		`{"type":"telemetry"}`,
		`{"node":"AB","peer":"C","distance":1,"quality":0.9}`,
		`{"node":"A","peer":"B","distance":-3,"quality":0.9}`,
		`{"node":"A","peer":"B","distance":1,"quality":7}`,
	}
	for _, p := range bad {
		if err := l.HandlePacket([]byte(p)); err == nil {
			t.Errorf("HandlePacket(%s): want error", p)
		}
	}
	if len(handler.distances) != 0 {
		t.Errorf("invalid packets must not reach the handler: %+v", handler.distances)
	}
	if stats.invalid != len(bad) {
		t.Errorf("invalid counter: got %d, want %d", stats.invalid, len(bad))
	}
}

func TestHandlePacketDeduplicates(t *testing.T) {
	handler := &mockHandler{}
	stats := &countingStats{}
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	l := newTestListener(handler, stats, clock)

	pkt := []byte(`{"node":"A","peer":"B","distance":2.50,"quality":0.90}`)
	if err := l.HandlePacket(pkt); err != nil {
		t.Fatal(err)
	}
	if err := l.HandlePacket(pkt); err != nil {
		t.Fatal(err)
	}
	if len(handler.distances) != 1 {
		t.Fatalf("duplicate within window must be dropped, got %d dispatches", len(handler.distances))
	}
	if stats.duplicates != 1 {
		t.Errorf("duplicate counter: got %d, want 1", stats.duplicates)
	}

	// Same measurement after the window passes is a fresh record.
	clock.Advance(2 * time.Second)
	if err := l.HandlePacket(pkt); err != nil {
		t.Fatal(err)
	}
	if len(handler.distances) != 2 {
		t.Errorf("record outside window must dispatch, got %d", len(handler.distances))
	}

	// A different distance is never a duplicate.
	if err := l.HandlePacket([]byte(`{"node":"A","peer":"B","distance":2.51,"quality":0.90}`)); err != nil {
		t.Fatal(err)
	}
	if len(handler.distances) != 3 {
		t.Errorf("distinct measurement must dispatch, got %d", len(handler.distances))
	}
}

func TestDeduperSweepsExpired(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	d := NewDeduper(time.Second, clock)

	d.IsDuplicate(record.Distance{Node: "A", Peer: "B", Distance: 1.00})
	d.IsDuplicate(record.Distance{Node: "C", Peer: "D", Distance: 2.00})
	clock.Advance(3 * time.Second)
	d.IsDuplicate(record.Distance{Node: "E", Peer: "F", Distance: 3.00})

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seen) != 1 {
		t.Errorf("expired signatures must be swept, cache holds %d", len(d.seen))
	}
}
