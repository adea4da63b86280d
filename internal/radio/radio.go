// Package radio defines the transmit/receive primitive the ranging core
// is written against, plus the two adapters that implement it: a serial
// attached UWB modem and a deterministic in-memory simulated medium.
//
// The contract is deliberately small: any implementation that can send a
// frame and report the hardware transmit timestamp, and receive a frame
// with the hardware receive timestamp, satisfies it. Register access,
// interrupts, and chip bring-up live behind the adapter.
package radio

import (
	"context"
	"errors"
	"time"
)

// Ticks is a raw hardware clock reading in radio time units (~15.65 ps).
// Real hardware counters are 40-bit wrapping values; arithmetic on tick
// differences is done in the signed domain by the ranging package.
type Ticks = uint64

var (
	// ErrReceiveTimeout reports that no frame arrived within the receive
	// window. It is the normal outcome of listening on a quiet medium.
	ErrReceiveTimeout = errors.New("radio: receive timeout")

	// ErrClosed reports use of a closed radio.
	ErrClosed = errors.New("radio: closed")
)

// Radio is the frame-level primitive consumed by the ranging state
// machines. Implementations must capture timestamps at the hardware
// transmit-confirm and receive-complete events. A Radio supports one
// exchange at a time; callers serialise access.
type Radio interface {
	// Transmit sends one encoded frame and returns the transmit-confirm
	// timestamp.
	Transmit(ctx context.Context, frame []byte) (Ticks, error)

	// TransmitAt schedules the frame so the transmit-confirm event lands
	// on the given tick of this radio's clock, and returns the actual
	// timestamp. Responders use it to embed their reply timestamp in the
	// reply itself.
	TransmitAt(ctx context.Context, frame []byte, at Ticks) (Ticks, error)

	// Receive blocks until a frame arrives or the timeout elapses,
	// returning the frame bytes and the receive-complete timestamp.
	// Timeout expiry is reported as ErrReceiveTimeout.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, Ticks, error)

	Close() error
}
