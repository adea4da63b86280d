package radio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// simTickSeconds mirrors the hardware tick period so simulated flight
// times convert from meters the same way real timestamps convert back.
const simTickSeconds = 1.0 / (499.2e6 * 128.0)

const speedOfLight = 299792458.0 // m/s

// Medium is a deterministic in-memory radio medium connecting any number
// of SimRadios. Every transmission is broadcast to all other attached
// radios, stamped with per-radio clock offsets and per-pair flight times,
// so a full DS-TWR exchange across two SimRadios reproduces the
// configured distance. Used by tests and by units started with -sim.
type Medium struct {
	mu      sync.Mutex
	start   time.Time
	radios  map[string]*SimRadio
	flight  map[[2]string]uint64 // ticks of one-way flight per pair
	silence map[[2]string]bool   // pairs that cannot hear each other
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		start:   time.Now(),
		radios:  make(map[string]*SimRadio),
		flight:  make(map[[2]string]uint64),
		silence: make(map[[2]string]bool),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// nowTicks is the medium's shared virtual clock. Per-radio offsets are
// layered on top so no two radios agree on absolute tick values, which is
// exactly the condition DS-TWR is designed to cancel.
func (m *Medium) nowTicks() uint64 {
	return uint64(time.Since(m.start).Seconds() / simTickSeconds)
}

// Attach adds a radio with the given name and clock offset in ticks.
func (m *Medium) Attach(name string, clockOffset uint64) *SimRadio {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &SimRadio{
		medium: m,
		name:   name,
		offset: clockOffset,
		rx:     make(chan simFrame, 16),
	}
	m.radios[name] = r
	return r
}

// SetDistance sets the simulated separation between two radios in meters.
func (m *Medium) SetDistance(a, b string, meters float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flight[pairKey(a, b)] = uint64(meters / speedOfLight / simTickSeconds)
}

// SetSilenced makes a pair of radios unable to hear each other, to
// exercise the timeout paths.
func (m *Medium) SetSilenced(a, b string, silenced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silence[pairKey(a, b)] = silenced
}

// transmit stamps the frame on the sender's clock and delivers a copy to
// every other attached radio with per-pair flight delay applied. A
// non-zero at pins the transmit event to that tick on the sender's clock
// instead of the medium's current time.
func (m *Medium) transmit(from *SimRadio, frame []byte, at Ticks) Ticks {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowTicks()
	txTick := now + from.offset
	if at != 0 {
		txTick = at
		now = at - from.offset
	}

	for name, r := range m.radios {
		if r == from {
			continue
		}
		if m.silence[pairKey(from.name, name)] {
			continue
		}
		f := simFrame{
			data:   append([]byte(nil), frame...),
			rxTick: now + m.flight[pairKey(from.name, name)] + r.offset,
		}
		select {
		case r.rx <- f:
		default:
			// receiver queue full: frame lost, like any shared medium
		}
	}
	return txTick
}

type simFrame struct {
	data   []byte
	rxTick Ticks
}

// SimRadio is one endpoint on a Medium.
type SimRadio struct {
	medium *Medium
	name   string
	offset uint64

	mu     sync.Mutex
	closed bool
	rx     chan simFrame
}

var _ Radio = (*SimRadio)(nil)

// Transmit broadcasts the frame on the medium and returns the simulated
// transmit-confirm timestamp on this radio's clock.
func (r *SimRadio) Transmit(ctx context.Context, frame []byte) (Ticks, error) {
	return r.TransmitAt(ctx, frame, 0)
}

// TransmitAt broadcasts the frame with the transmit event pinned to the
// given tick on this radio's clock.
func (r *SimRadio) TransmitAt(ctx context.Context, frame []byte, at Ticks) (Ticks, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	r.mu.Unlock()
	return r.medium.transmit(r, frame, at), nil
}

// Receive returns the next frame delivered to this radio, or
// ErrReceiveTimeout after the window elapses.
func (r *SimRadio) Receive(ctx context.Context, timeout time.Duration) ([]byte, Ticks, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, 0, ErrClosed
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-r.rx:
		if !ok {
			return nil, 0, ErrClosed
		}
		return f.data, f.rxTick, nil
	case <-timer.C:
		return nil, 0, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Drain discards any frames queued for this radio. Units call it before
// initiating an exchange so stale traffic from previous slots does not
// alias into the new one.
func (r *SimRadio) Drain() {
	for {
		select {
		case <-r.rx:
		default:
			return
		}
	}
}

func (r *SimRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.medium.mu.Lock()
	delete(r.medium.radios, r.name)
	r.medium.mu.Unlock()
	close(r.rx)
	return nil
}

func (r *SimRadio) String() string {
	return fmt.Sprintf("sim-radio(%s)", r.name)
}
