// Package schedule implements the open time-slot schedule that decides
// when each unit may initiate ranging. The cycle repeats every
// N x slotDuration; each identity owns the slot matching its rank in the
// sorted roster. Slot timing derives from the shared wall clock, so
// units that agree on roster and slot duration agree on ownership
// without any token passing. Clock drift between units degrades into
// occasional collisions, which DS-TWR absorbs as failed attempts.
package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/ranging"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Schedule computes slot ownership for one unit and rotates across its
// peers. Ownership queries are pure functions of the supplied instant;
// only the peer rotation carries state.
type Schedule struct {
	roster []ranging.UnitID // sorted, deduplicated
	self   ranging.UnitID
	rank   int
	slot   time.Duration
	clock  timeutil.Clock

	mu       sync.Mutex
	peers    []ranging.UnitID
	rotation int
}

// New builds the schedule for self within the given roster. The roster
// must contain self and at least one other identity.
func New(roster []ranging.UnitID, self ranging.UnitID, slotDuration time.Duration, clock timeutil.Clock) (*Schedule, error) {
	if slotDuration <= 0 {
		return nil, fmt.Errorf("slot duration must be positive, got %v", slotDuration)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	sorted := ranging.SortIDs(roster)
	dedup := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			dedup = append(dedup, id)
		}
	}

	rank := -1
	var peers []ranging.UnitID
	for i, id := range dedup {
		if id == self {
			rank = i
			continue
		}
		peers = append(peers, id)
	}
	if rank < 0 {
		return nil, fmt.Errorf("identity %s not in roster %v", self, dedup)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("roster needs at least one peer besides %s", self)
	}

	return &Schedule{
		roster: dedup,
		self:   self,
		rank:   rank,
		slot:   slotDuration,
		clock:  clock,
		peers:  peers,
	}, nil
}

// CycleLength is the period after which the slot pattern repeats.
func (s *Schedule) CycleLength() time.Duration {
	return time.Duration(len(s.roster)) * s.slot
}

// SlotOwner returns the identity whose slot covers the given instant.
func (s *Schedule) SlotOwner(now time.Time) ranging.UnitID {
	cycle := s.CycleLength().Nanoseconds()
	phase := now.UnixNano() % cycle
	if phase < 0 {
		phase += cycle
	}
	return s.roster[phase/s.slot.Nanoseconds()]
}

// IsMySlot reports whether this unit owns the slot covering now.
func (s *Schedule) IsMySlot(now time.Time) bool {
	return s.SlotOwner(now) == s.self
}

// UntilOwnSlot returns how long from now until this unit's slot next
// begins, or zero if the slot is already open.
func (s *Schedule) UntilOwnSlot(now time.Time) time.Duration {
	if s.IsMySlot(now) {
		return 0
	}
	cycle := s.CycleLength().Nanoseconds()
	phase := now.UnixNano() % cycle
	if phase < 0 {
		phase += cycle
	}
	start := int64(s.rank) * s.slot.Nanoseconds()
	wait := start - phase
	if wait < 0 {
		wait += cycle
	}
	return time.Duration(wait)
}

// SlotRemaining returns how much of the current own slot is left, or
// zero when it is not this unit's slot.
func (s *Schedule) SlotRemaining(now time.Time) time.Duration {
	if !s.IsMySlot(now) {
		return 0
	}
	cycle := s.CycleLength().Nanoseconds()
	phase := now.UnixNano() % cycle
	if phase < 0 {
		phase += cycle
	}
	end := (int64(s.rank) + 1) * s.slot.Nanoseconds()
	return time.Duration(end - phase)
}

// NextPeer returns the peer to range against and advances the rotation.
// The rotation advances on every call regardless of the attempt's
// outcome, so one unreachable peer cannot starve the rest.
func (s *Schedule) NextPeer() ranging.UnitID {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer := s.peers[s.rotation]
	s.rotation = (s.rotation + 1) % len(s.peers)
	return peer
}

// Peers returns the rotation list, sorted, excluding self.
func (s *Schedule) Peers() []ranging.UnitID {
	out := make([]ranging.UnitID, len(s.peers))
	copy(out, s.peers)
	return out
}

// WaitForOwnSlot sleeps until this unit's slot opens. It uses the
// injected clock so tests drive it deterministically.
func (s *Schedule) WaitForOwnSlot() {
	if wait := s.UntilOwnSlot(s.clock.Now()); wait > 0 {
		s.clock.Sleep(wait)
	}
}
