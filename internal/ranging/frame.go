package ranging

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format constants. The layout follows the IEEE 802.15.4-style short
// addressing frame used by DW3000 modules: a fixed two-byte frame control,
// a one-byte sequence number, the PAN identifier, two-byte destination and
// source addresses, a message type byte, and a fixed-size timestamp payload
// whose length depends on the message type.
const (
	frameCtrl0 = 0x41 // data frame
	frameCtrl1 = 0x88 // short address mode

	// PANID is the network identifier shared by all units in a deployment.
	PANID uint16 = 0xDECA

	headerSize    = 10 // frame control (2) + seq (1) + PAN (2) + dest (2) + src (2) + type (1)
	timestampSize = 8  // each timestamp travels as a little-endian uint64

	// MaxFrameSize bounds any encoded ranging frame (Final carries four
	// timestamps, the largest payload).
	MaxFrameSize = headerSize + 4*timestampSize
)

// FrameType enumerates the four DS-TWR message types. The byte values are
// the on-air message type codes.
type FrameType byte

const (
	FramePoll     FrameType = 0x61
	FrameResponse FrameType = 0x50
	FrameFinal    FrameType = 0x69
	FrameReport   FrameType = 0x72
)

func (t FrameType) String() string {
	switch t {
	case FramePoll:
		return "poll"
	case FrameResponse:
		return "response"
	case FrameFinal:
		return "final"
	case FrameReport:
		return "report"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// payloadCount returns the number of timestamps carried by each frame type.
func (t FrameType) payloadCount() (int, bool) {
	switch t {
	case FramePoll:
		return 0, true
	case FrameResponse:
		return 2, true // pollRx, respTx
	case FrameFinal:
		return 4, true // pollTx, pollRx, respTx, respRx
	case FrameReport:
		return 1, true // finalRx
	}
	return 0, false
}

var (
	// ErrMalformedFrame reports input whose length or type byte does not
	// match any valid frame layout. Malformed frames are dropped by the
	// exchange loops, never fatal.
	ErrMalformedFrame = errors.New("malformed ranging frame")

	// ErrSequenceMismatch reports a frame whose sequence number does not
	// match the caller-maintained expectation for the current exchange.
	ErrSequenceMismatch = errors.New("frame sequence mismatch")
)

// Frame is one decoded ranging message. Timestamps holds exactly the
// values the frame type carries, in wire order.
type Frame struct {
	Type       FrameType
	Seq        uint8
	Src, Dst   UnitID
	Timestamps []uint64
}

// Encode serialises the frame into its fixed wire layout. Each frame type
// has a fixed number of timestamp slots: oversized payloads truncate to
// the slot count, undersized payloads are an error (a partially filled
// exchange must never reach the air).
func (f *Frame) Encode() ([]byte, error) {
	want, ok := f.Type.payloadCount()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedFrame, byte(f.Type))
	}
	if len(f.Timestamps) < want {
		return nil, fmt.Errorf("%w: type %s carries %d timestamps, got %d",
			ErrMalformedFrame, f.Type, want, len(f.Timestamps))
	}

	buf := make([]byte, headerSize+want*timestampSize)
	buf[0] = frameCtrl0
	buf[1] = frameCtrl1
	buf[2] = f.Seq
	binary.LittleEndian.PutUint16(buf[3:5], PANID)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(f.Dst))
	binary.LittleEndian.PutUint16(buf[7:9], uint16(f.Src))
	buf[9] = byte(f.Type)
	for i := 0; i < want; i++ {
		binary.LittleEndian.PutUint64(buf[headerSize+i*timestampSize:], f.Timestamps[i])
	}
	return buf, nil
}

// Decode parses a received frame. It returns ErrMalformedFrame when the
// frame control bytes, type, or length do not match the expected layout.
// Decode is a pure transform: addressing checks are the caller's concern.
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedFrame, len(data), headerSize)
	}
	if data[0] != frameCtrl0 || data[1] != frameCtrl1 {
		return nil, fmt.Errorf("%w: bad frame control %02x%02x", ErrMalformedFrame, data[0], data[1])
	}
	if pan := binary.LittleEndian.Uint16(data[3:5]); pan != PANID {
		return nil, fmt.Errorf("%w: foreign PAN 0x%04x", ErrMalformedFrame, pan)
	}

	typ := FrameType(data[9])
	want, ok := typ.payloadCount()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedFrame, data[9])
	}
	if len(data) != headerSize+want*timestampSize {
		return nil, fmt.Errorf("%w: type %s wants %d bytes, got %d",
			ErrMalformedFrame, typ, headerSize+want*timestampSize, len(data))
	}

	f := &Frame{
		Type: typ,
		Seq:  data[2],
		Dst:  UnitID(binary.LittleEndian.Uint16(data[5:7])),
		Src:  UnitID(binary.LittleEndian.Uint16(data[7:9])),
	}
	if want > 0 {
		f.Timestamps = make([]uint64, want)
		for i := range f.Timestamps {
			f.Timestamps[i] = binary.LittleEndian.Uint64(data[headerSize+i*timestampSize:])
		}
	}
	return f, nil
}

// CheckSeq verifies the frame against a caller-maintained expected
// sequence number.
func (f *Frame) CheckSeq(want uint8) error {
	if f.Seq != want {
		return fmt.Errorf("%w: got %d, want %d", ErrSequenceMismatch, f.Seq, want)
	}
	return nil
}
