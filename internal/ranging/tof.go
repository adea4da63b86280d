package ranging

import (
	"errors"
	"fmt"
	"time"
)

// Physical constants for the tick-to-distance conversion. The radio clock
// runs at 499.2 MHz x 128, giving a tick period of roughly 15.65 ps.
const (
	TickSeconds  = 1.0 / (499.2e6 * 128.0)
	SpeedOfLight = 299792458.0 // m/s

	// MaxPlausibleMeters is the sanity bound beyond which a measurement
	// keeps its value but loses most of its quality score.
	MaxPlausibleMeters = 100.0

	qualityNominal    = 0.9
	qualitySuspicious = 0.3
)

// ErrDegenerateTiming reports a timestamp set whose interval sum is zero.
// The measurement is discarded; it must never surface as a distance of
// zero or infinity.
var ErrDegenerateTiming = errors.New("degenerate timing: zero interval sum")

// ErrIncompleteTimestamps reports an attempt to convert a timestamp set
// before all six readings were captured.
var ErrIncompleteTimestamps = errors.New("incomplete timestamp set")

// Timestamps holds the six hardware clock readings captured across one
// DS-TWR exchange. Poll/final values on the initiator clock, the middle
// pair on the responder clock; the TOF formula cancels the clock offset.
// A Timestamps value is owned by exactly one in-flight exchange and is
// discarded when the attempt completes.
type Timestamps struct {
	PollTx, PollRx   uint64
	RespTx, RespRx   uint64
	FinalTx, FinalRx uint64
}

// Complete reports whether all six readings have been captured. Zero is
// not a valid hardware timestamp mid-exchange, so zero marks "unset".
func (t *Timestamps) Complete() bool {
	return t.PollTx != 0 && t.PollRx != 0 && t.RespTx != 0 &&
		t.RespRx != 0 && t.FinalTx != 0 && t.FinalRx != 0
}

// TOFTicks computes the time of flight in clock ticks from a complete
// timestamp set using the double-sided formula
//
//	tof = (Ra*Rb - Da*Db) / (Ra + Rb + Da + Db)
//
// All arithmetic is on signed 64-bit integers so that wrapped hardware
// counters subtract correctly.
func (t *Timestamps) TOFTicks() (int64, error) {
	if !t.Complete() {
		return 0, ErrIncompleteTimestamps
	}
	ra := int64(t.RespRx - t.PollTx)  // initiator round trip
	rb := int64(t.FinalRx - t.RespTx) // responder round trip
	da := int64(t.RespTx - t.PollRx)  // responder processing delay
	db := int64(t.FinalTx - t.RespRx) // initiator processing delay

	den := ra + rb + da + db
	if den == 0 {
		return 0, ErrDegenerateTiming
	}
	return (ra*rb - da*db) / den, nil
}

// Calibration holds the per-unit corrections applied to every raw
// time-of-flight. Loaded once at startup; changing them means the unit
// was physically re-calibrated and needs a restart.
type Calibration struct {
	// AntennaDelayTicks is the fixed hardware delay between the clock
	// event and the signal at the antenna, subtracted in the tick domain.
	AntennaDelayTicks int64
	// DistanceOffsetMeters is the residual from the two-point calibration
	// fit, added after conversion to meters.
	DistanceOffsetMeters float64
}

// Distance converts a raw tick count to calibrated meters.
func (c Calibration) Distance(tofTicks int64) float64 {
	ticks := tofTicks - c.AntennaDelayTicks
	seconds := float64(ticks) * TickSeconds
	return seconds*SpeedOfLight/2.0 + c.DistanceOffsetMeters
}

// Result is the outcome of one ranging attempt, successful or not. It is
// created once, never mutated, and handed to the transport layer as-is.
type Result struct {
	ExchangeID string    `json:"exchange_id"`
	Success    bool      `json:"success"`
	Source     UnitID    `json:"-"`
	Peer       UnitID    `json:"-"`
	Distance   float64   `json:"distance_m"`
	Quality    float64   `json:"quality"`
	At         time.Time `json:"at"`
	Err        error     `json:"-"`
}

// MeasureDistance turns a complete timestamp set into calibrated meters
// with a quality score. Implausible distances are returned with a reduced
// quality score rather than rejected; callers decide whether to discard.
func MeasureDistance(t *Timestamps, cal Calibration) (distance, quality float64, err error) {
	ticks, err := t.TOFTicks()
	if err != nil {
		return 0, 0, fmt.Errorf("time of flight: %w", err)
	}
	distance = cal.Distance(ticks)
	quality = qualityNominal
	if distance < 0 || distance > MaxPlausibleMeters {
		quality = qualitySuspicious
	}
	return distance, quality, nil
}
