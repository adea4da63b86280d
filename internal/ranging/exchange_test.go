package ranging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/radio"
)

func testTimeouts() Timeouts {
	return Timeouts{
		Response: 100 * time.Millisecond,
		Report:   100 * time.Millisecond,
		Final:    200 * time.Millisecond,
	}
}

// Two radios on a simulated medium at a known separation, with wildly
// different clock offsets. The full exchange must reproduce the
// configured distance because the offsets cancel in the formula.
func TestExchangeOverSimulatedMedium(t *testing.T) {
	medium := radio.NewMedium()
	ra := medium.Attach("A", 0)
	rb := medium.Attach("B", 9_123_456_789)
	medium.SetDistance("A", "B", 10.0)

	initiator := NewEngine(ra, 'A', Calibration{}, testTimeouts())
	responder := NewEngine(rb, 'B', Calibration{}, testTimeouts())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	respErr := make(chan error, 1)
	go func() { respErr <- responder.Respond(ctx, time.Second) }()

	res, err := initiator.Range(ctx, 'B')
	require.NoError(t, err)
	require.NoError(t, <-respErr)

	require.True(t, res.Success)
	require.Equal(t, UnitID('A'), res.Source)
	require.Equal(t, UnitID('B'), res.Peer)
	require.NotEmpty(t, res.ExchangeID)
	// Flight time quantises to whole ticks, about 4.7 mm each.
	require.InDelta(t, 10.0, res.Distance, 0.02)
	require.Equal(t, 0.9, res.Quality)
}

func TestRangeResponseTimeout(t *testing.T) {
	medium := radio.NewMedium()
	ra := medium.Attach("A", 0)
	medium.Attach("B", 0)
	medium.SetSilenced("A", "B", true)

	initiator := NewEngine(ra, 'A', Calibration{}, Timeouts{
		Response: 30 * time.Millisecond,
		Report:   30 * time.Millisecond,
		Final:    30 * time.Millisecond,
	})

	res, err := initiator.Range(context.Background(), 'B')
	require.ErrorIs(t, err, ErrResponseTimeout)
	require.False(t, res.Success)
	require.Error(t, res.Err)
}

func TestRespondQuietWindow(t *testing.T) {
	medium := radio.NewMedium()
	rb := medium.Attach("B", 0)

	responder := NewEngine(rb, 'B', Calibration{}, testTimeouts())
	err := responder.Respond(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, radio.ErrReceiveTimeout)
}

func TestEngineBusy(t *testing.T) {
	medium := radio.NewMedium()
	ra := medium.Attach("A", 0)
	e := NewEngine(ra, 'A', Calibration{}, testTimeouts())

	e.busy.Store(true)
	res, err := e.Range(context.Background(), 'B')
	require.ErrorIs(t, err, ErrBusy)
	require.False(t, res.Success)
	require.ErrorIs(t, e.Respond(context.Background(), time.Millisecond), ErrBusy)
}

// Unrelated traffic on the shared medium is overheard by both sides and
// must be skipped, not treated as a protocol error.
func TestExchangeIgnoresUnrelatedTraffic(t *testing.T) {
	medium := radio.NewMedium()
	ra := medium.Attach("A", 0)
	rb := medium.Attach("B", 42)
	rc := medium.Attach("C", 0)
	medium.SetDistance("A", "B", 3.0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A poll for somebody else plus undecodable bytes, queued at both
	// peers before the real exchange starts.
	stray, err := (&Frame{Type: FramePoll, Seq: 99, Src: 'C', Dst: 'Z'}).Encode()
	require.NoError(t, err)
	_, err = rc.Transmit(ctx, stray)
	require.NoError(t, err)
	_, err = rc.Transmit(ctx, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	initiator := NewEngine(ra, 'A', Calibration{}, testTimeouts())
	responder := NewEngine(rb, 'B', Calibration{}, testTimeouts())

	respErr := make(chan error, 1)
	go func() { respErr <- responder.Respond(ctx, time.Second) }()

	res, err := initiator.Range(ctx, 'B')
	require.NoError(t, err)
	require.NoError(t, <-respErr)
	require.True(t, res.Success)
	require.InDelta(t, 3.0, res.Distance, 0.02)
}

func TestSequenceWraps(t *testing.T) {
	medium := radio.NewMedium()
	ra := medium.Attach("A", 0)
	e := NewEngine(ra, 'A', Calibration{}, testTimeouts())

	e.seq.Store(254)
	require.Equal(t, uint8(255), e.nextSeq())
	require.Equal(t, uint8(0), e.nextSeq())
	require.Equal(t, uint8(1), e.nextSeq())
}
