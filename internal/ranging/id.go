// Package ranging implements the DS-TWR (double-sided two-way ranging)
// protocol core: the wire frame codec, the initiator/responder exchange
// state machines, and the time-of-flight to distance conversion with
// calibration applied.
package ranging

import (
	"fmt"
	"sort"
)

// UnitID identifies one ranging unit. IDs are single printable characters
// ('A', 'B', ...) assigned at provisioning time and totally ordered by
// their byte value. The ordering is used to break pair symmetry.
type UnitID byte

// ParseUnitID validates a one-character unit identifier.
func ParseUnitID(s string) (UnitID, error) {
	if len(s) != 1 || s[0] < '!' || s[0] > '~' {
		return 0, fmt.Errorf("invalid unit id %q: want a single printable character", s)
	}
	return UnitID(s[0]), nil
}

func (id UnitID) String() string { return string(rune(id)) }

// Pair is an unordered pair of unit identities, normalised so A < B.
// Results for (x ranging y) and (y ranging x) map to the same Pair.
type Pair struct {
	A, B UnitID
}

// PairOf returns the normalised pair key for two identities.
func PairOf(x, y UnitID) Pair {
	if x > y {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

func (p Pair) String() string { return p.A.String() + "-" + p.B.String() }

// SortIDs returns a copy of ids sorted by identity rank.
func SortIDs(ids []UnitID) []UnitID {
	out := make([]UnitID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
