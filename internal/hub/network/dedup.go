package network

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/record"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

func decodeInto(packet []byte, into any) error {
	if err := json.Unmarshal(packet, into); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// Deduper suppresses repeats of the same measurement within a window.
// Units retry UDP sends, so the hub can legitimately see the same record
// more than once.
type Deduper struct {
	window time.Duration
	clock  timeutil.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduper builds a deduper with the given suppression window.
func NewDeduper(window time.Duration, clock timeutil.Clock) *Deduper {
	if window == 0 {
		window = time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Deduper{
		window: window,
		clock:  clock,
		seen:   make(map[string]time.Time),
	}
}

// IsDuplicate reports whether an equal measurement was seen within the
// window, and records this one. Expired entries are swept on each call;
// the map stays bounded by the record rate times the window.
func (d *Deduper) IsDuplicate(rec record.Distance) bool {
	sig := fmt.Sprintf("%s-%s-%.2f", rec.Node, rec.Peer, rec.Distance)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	last, dup := d.seen[sig]
	dup = dup && now.Sub(last) < d.window
	if !dup {
		d.seen[sig] = now
	}

	for k, v := range d.seen {
		if now.Sub(v) >= d.window {
			delete(d.seen, k)
		}
	}
	return dup
}
