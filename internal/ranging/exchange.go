package ranging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/radio"
)

// Timeouts bounds each blocking step of an exchange.
type Timeouts struct {
	// Response is how long the initiator waits for the Response frame
	// after sending its Poll.
	Response time.Duration
	// Report is how long the initiator waits for the closing Report frame
	// after sending its Final.
	Report time.Duration
	// Final is how long a responder waits for the Final frame after
	// sending its Response.
	Final time.Duration
}

// DefaultTimeouts returns the step timeouts used in deployments. Radio
// turnaround is sub-millisecond; these leave room for scheduling jitter
// on a non-realtime host.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Response: 50 * time.Millisecond,
		Report:   50 * time.Millisecond,
		Final:    100 * time.Millisecond,
	}
}

// defaultReplyDelayTicks is the scheduled gap between receiving a Poll
// and transmitting the Response (about 1 ms of radio time). The delay
// must be long enough for the slowest host to encode and arm the reply.
const defaultReplyDelayTicks = 64_000_000

var (
	// ErrBusy reports an attempt to start an exchange while another is in
	// flight on the same engine. One exchange at a time per radio.
	ErrBusy = errors.New("ranging attempt already in flight")

	// ErrResponseTimeout reports that the peer never answered the Poll.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrReportTimeout reports that the peer answered the Poll but never
	// closed the exchange with a Report.
	ErrReportTimeout = errors.New("report timeout")

	// ErrFinalTimeout reports that the initiator went quiet after the
	// responder sent its Response.
	ErrFinalTimeout = errors.New("final timeout")
)

// Engine drives DS-TWR exchanges over a radio for one unit identity. It
// holds the per-unit calibration and the sender sequence counter. An
// Engine runs a single exchange at a time; concurrent calls beyond the
// first fail with ErrBusy.
type Engine struct {
	radio      radio.Radio
	self       UnitID
	cal        Calibration
	timeouts   Timeouts
	replyDelay uint64

	busy atomic.Bool
	seq  atomic.Uint32 // low byte is the next sequence number
}

// NewEngine builds an exchange engine for the given unit identity.
func NewEngine(r radio.Radio, self UnitID, cal Calibration, timeouts Timeouts) *Engine {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &Engine{
		radio:      r,
		self:       self,
		cal:        cal,
		timeouts:   timeouts,
		replyDelay: defaultReplyDelayTicks,
	}
}

func (e *Engine) nextSeq() uint8 {
	return uint8(e.seq.Add(1)) // wraps at 255 with the byte truncation
}

// failed builds the Result for an unsuccessful attempt.
func (e *Engine) failed(id string, peer UnitID, err error) Result {
	return Result{
		ExchangeID: id,
		Source:     e.self,
		Peer:       peer,
		At:         time.Now(),
		Err:        err,
	}
}

// Range runs one exchange as initiator against the given peer and
// returns the measured distance. Protocol failures (timeouts, degenerate
// timing) come back as a non-nil error alongside a failed Result; they
// are expected outcomes on a shared medium, not faults.
func (e *Engine) Range(ctx context.Context, peer UnitID) (Result, error) {
	id := uuid.NewString()
	if !e.busy.CompareAndSwap(false, true) {
		return e.failed(id, peer, ErrBusy), ErrBusy
	}
	defer e.busy.Store(false)

	seq := e.nextSeq()
	ts := &Timestamps{}

	poll := &Frame{Type: FramePoll, Seq: seq, Src: e.self, Dst: peer}
	buf, err := poll.Encode()
	if err != nil {
		return e.failed(id, peer, err), err
	}
	ts.PollTx, err = e.radio.Transmit(ctx, buf)
	if err != nil {
		err = fmt.Errorf("transmit poll: %w", err)
		return e.failed(id, peer, err), err
	}

	resp, respRx, err := e.await(ctx, FrameResponse, peer, seq, e.timeouts.Response)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrResponseTimeout, err)
		return e.failed(id, peer, err), err
	}
	ts.RespRx = respRx
	ts.PollRx = resp.Timestamps[0]
	ts.RespTx = resp.Timestamps[1]

	final := &Frame{
		Type: FrameFinal, Seq: seq, Src: e.self, Dst: peer,
		Timestamps: []uint64{ts.PollTx, ts.PollRx, ts.RespTx, ts.RespRx},
	}
	buf, err = final.Encode()
	if err != nil {
		return e.failed(id, peer, err), err
	}
	ts.FinalTx, err = e.radio.Transmit(ctx, buf)
	if err != nil {
		err = fmt.Errorf("transmit final: %w", err)
		return e.failed(id, peer, err), err
	}

	report, _, err := e.await(ctx, FrameReport, peer, seq, e.timeouts.Report)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrReportTimeout, err)
		return e.failed(id, peer, err), err
	}
	ts.FinalRx = report.Timestamps[0]

	distance, quality, err := MeasureDistance(ts, e.cal)
	if err != nil {
		return e.failed(id, peer, err), err
	}
	return Result{
		ExchangeID: id,
		Success:    true,
		Source:     e.self,
		Peer:       peer,
		Distance:   distance,
		Quality:    quality,
		At:         time.Now(),
	}, nil
}

// Respond listens for a Poll for up to window and, if one arrives, serves
// the responder side of the exchange to completion. Returning
// radio.ErrReceiveTimeout means the window passed quietly, the normal
// case outside this unit's slot when no peer picked it.
//
// The responder never computes a distance. The asymmetric cost stays on
// the initiator; this side only echoes its clock readings.
func (e *Engine) Respond(ctx context.Context, window time.Duration) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)

	poll, pollRx, err := e.awaitPoll(ctx, window)
	if err != nil {
		return err
	}
	peer, seq := poll.Src, poll.Seq

	// The reply timestamp must ride inside the reply, so the transmit is
	// scheduled ahead at a fixed delay past the Poll reception.
	respTx := pollRx + e.replyDelay
	resp := &Frame{
		Type: FrameResponse, Seq: seq, Src: e.self, Dst: peer,
		Timestamps: []uint64{pollRx, respTx},
	}
	buf, err := resp.Encode()
	if err != nil {
		return err
	}
	if _, err := e.radio.TransmitAt(ctx, buf, respTx); err != nil {
		return fmt.Errorf("transmit response: %w", err)
	}

	final, finalRx, err := e.await(ctx, FrameFinal, peer, seq, e.timeouts.Final)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFinalTimeout, err)
	}
	_ = final // carries the initiator's quartet; nothing to do with it here

	report := &Frame{
		Type: FrameReport, Seq: seq, Src: e.self, Dst: peer,
		Timestamps: []uint64{finalRx},
	}
	buf, err = report.Encode()
	if err != nil {
		return err
	}
	if _, err := e.radio.Transmit(ctx, buf); err != nil {
		return fmt.Errorf("transmit report: %w", err)
	}
	return nil
}

// await receives until a frame of the wanted type arrives from peer with
// the exchange's sequence number, or the window elapses. Malformed
// frames and traffic for other exchanges are dropped without ending the
// wait; the medium is shared and overhearing is normal.
func (e *Engine) await(ctx context.Context, want FrameType, peer UnitID, seq uint8, window time.Duration) (*Frame, radio.Ticks, error) {
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, 0, radio.ErrReceiveTimeout
		}
		data, rxTick, err := e.radio.Receive(ctx, remaining)
		if err != nil {
			return nil, 0, err
		}
		f, err := Decode(data)
		if err != nil {
			continue
		}
		if f.Type != want || f.Dst != e.self || f.Src != peer {
			continue
		}
		if f.CheckSeq(seq) != nil {
			continue
		}
		return f, rxTick, nil
	}
}

// awaitPoll receives until a Poll addressed to this unit arrives, from
// any peer with any sequence number.
func (e *Engine) awaitPoll(ctx context.Context, window time.Duration) (*Frame, radio.Ticks, error) {
	deadline := time.Now().Add(window)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, 0, radio.ErrReceiveTimeout
		}
		data, rxTick, err := e.radio.Receive(ctx, remaining)
		if err != nil {
			return nil, 0, err
		}
		f, err := Decode(data)
		if err != nil {
			continue
		}
		if f.Type != FramePoll || f.Dst != e.self {
			continue
		}
		return f, rxTick, nil
	}
}
