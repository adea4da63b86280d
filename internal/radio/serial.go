package radio

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Porter is the minimal interface needed from a serial port. The
// abstraction enables unit testing without real modem hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// PortMode holds serial line parameters for the modem link.
type PortMode struct {
	BaudRate int
}

// DefaultPortMode returns the mode used by the UWB modem bridge firmware.
func DefaultPortMode() *PortMode {
	return &PortMode{BaudRate: 115200}
}

// SerialRadio drives a serial-attached UWB modem speaking a line-oriented
// bridge protocol:
//
//	-> TX <hex-frame>
//	-> TXAT <tick> <hex-frame>
//	<- TXOK <tx-ticks>            | TXERR <reason>
//	-> RX <timeout-ms>
//	<- RXOK <rx-ticks> <hex-frame> | RXTO | RXERR <reason>
//
// TXAT maps to the chip's delayed-transmit mode: the modem arms the
// transmission so the confirm event lands on the requested tick.
//
// The modem captures timestamps at its own transmit-confirm and
// receive-complete hardware events; this adapter only shuttles them.
type SerialRadio struct {
	mu   sync.Mutex // one command/response in flight at a time
	port Porter
	br   *bufio.Reader
}

var _ Radio = (*SerialRadio)(nil)

// OpenSerialRadio opens the modem at the given device path.
func OpenSerialRadio(path string, mode *PortMode) (*SerialRadio, error) {
	if mode == nil {
		mode = DefaultPortMode()
	}
	port, err := serial.Open(path, &serial.Mode{BaudRate: mode.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial radio %s: %w", path, err)
	}
	return NewSerialRadio(port), nil
}

// NewSerialRadio wraps an already opened port. Used directly by tests.
func NewSerialRadio(port Porter) *SerialRadio {
	return &SerialRadio{port: port, br: bufio.NewReader(port)}
}

func (s *SerialRadio) command(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := io.WriteString(s.port, cmd+"\n"); err != nil {
		return "", fmt.Errorf("write to modem: %w", err)
	}
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read from modem: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Transmit sends one frame through the modem and returns the hardware
// transmit timestamp.
func (s *SerialRadio) Transmit(ctx context.Context, frame []byte) (Ticks, error) {
	return s.transmit(ctx, "TX "+hex.EncodeToString(frame))
}

// TransmitAt arms the modem's delayed-transmit mode so the frame goes out
// at the given tick.
func (s *SerialRadio) TransmitAt(ctx context.Context, frame []byte, at Ticks) (Ticks, error) {
	return s.transmit(ctx, fmt.Sprintf("TXAT %d %s", at, hex.EncodeToString(frame)))
}

func (s *SerialRadio) transmit(ctx context.Context, cmd string) (Ticks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.command(ctx, cmd)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(resp)
	switch {
	case len(fields) == 2 && fields[0] == "TXOK":
		ticks, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad TXOK timestamp %q: %w", fields[1], err)
		}
		return ticks, nil
	case len(fields) >= 1 && fields[0] == "TXERR":
		return 0, fmt.Errorf("modem transmit error: %s", strings.Join(fields[1:], " "))
	}
	return 0, fmt.Errorf("unexpected modem response %q", resp)
}

// Receive asks the modem to listen for up to timeout and returns the
// received frame with its hardware receive timestamp.
func (s *SerialRadio) Receive(ctx context.Context, timeout time.Duration) ([]byte, Ticks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.command(ctx, fmt.Sprintf("RX %d", timeout.Milliseconds()))
	if err != nil {
		return nil, 0, err
	}
	fields := strings.Fields(resp)
	switch {
	case len(fields) == 3 && fields[0] == "RXOK":
		ticks, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("bad RXOK timestamp %q: %w", fields[1], err)
		}
		frame, err := hex.DecodeString(fields[2])
		if err != nil {
			return nil, 0, fmt.Errorf("bad RXOK frame hex: %w", err)
		}
		return frame, ticks, nil
	case len(fields) == 1 && fields[0] == "RXTO":
		return nil, 0, ErrReceiveTimeout
	case len(fields) >= 1 && fields[0] == "RXERR":
		return nil, 0, fmt.Errorf("modem receive error: %s", strings.Join(fields[1:], " "))
	}
	return nil, 0, fmt.Errorf("unexpected modem response %q", resp)
}

func (s *SerialRadio) Close() error {
	return s.port.Close()
}
