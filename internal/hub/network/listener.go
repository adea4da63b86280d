// Package network receives unit datagrams over UDP and dispatches them
// to the aggregator. A PCAP replay path (build tag "pcap") feeds the
// same dispatch from captured traffic.
package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/banshee-data/proximity.report/internal/record"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// Handler consumes classified records. The hub aggregator implements it.
type Handler interface {
	Ingest(rec record.Distance) error
	Heartbeat(rec record.Heartbeat)
	Status(rec record.Status)
}

// PacketStatsInterface provides packet statistics management.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddInvalid()
	AddDuplicate()
	LogStats()
}

// noopStats is a PacketStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (n *noopStats) AddPacket(bytes int) {}
func (n *noopStats) AddInvalid()         {}
func (n *noopStats) AddDuplicate()       {}
func (n *noopStats) LogStats()           {}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       PacketStatsInterface
	Handler     Handler
	Dedup       bool
	DedupWindow time.Duration
	Clock       timeutil.Clock
}

// UDPListener receives unit records from UDP, validates and
// deduplicates them, and hands them to the Handler.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	conn        *net.UDPConn
	stats       PacketStatsInterface
	handler     Handler
	dedup       *Deduper
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	// Provide a no-op stats implementation when none is supplied to avoid
	// nil pointer dereferences in the packet handling and logging paths.
	var stats PacketStatsInterface
	if config.Stats != nil {
		stats = config.Stats
	} else {
		stats = &noopStats{}
	}

	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	var dedup *Deduper
	if config.Dedup {
		dedup = NewDeduper(config.DedupWindow, config.Clock)
	}

	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		handler:     config.Handler,
		dedup:       dedup,
	}
}

// Start begins listening for UDP packets and processing them.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	log.Printf("UDP listener started on %s", conn.LocalAddr())

	go l.startStatsLogging(ctx)

	buffer := make([]byte, 2048) // record datagrams are well under 512 bytes

	for {
		select {
		case <-ctx.Done():
			log.Print("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set read deadline to allow checking context cancellation
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // Continue on timeout to check context
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("UDP read error: %v", err)
				continue
			}

			if err := l.HandlePacket(buffer[:n]); err != nil {
				log.Printf("Error handling packet from %v: %v", addr, err)
			}
		}
	}
}

// LocalAddr returns the bound address once Start has opened the socket.
func (l *UDPListener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// startStatsLogging periodically logs packet statistics.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// HandlePacket classifies, validates, deduplicates, and dispatches one
// datagram. Invalid packets are counted and dropped; they never stop the
// listener.
func (l *UDPListener) HandlePacket(packet []byte) error {
	l.stats.AddPacket(len(packet))

	kind, err := record.Kind(packet)
	if err != nil {
		l.stats.AddInvalid()
		return err
	}

	switch kind {
	case record.KindDistance:
		var rec record.Distance
		if err := decodeInto(packet, &rec); err != nil {
			l.stats.AddInvalid()
			return err
		}
		if err := rec.Validate(); err != nil {
			l.stats.AddInvalid()
			return fmt.Errorf("invalid distance record: %w", err)
		}
		if l.dedup != nil && l.dedup.IsDuplicate(rec) {
			l.stats.AddDuplicate()
			return nil
		}
		return l.handler.Ingest(rec)

	case record.KindHeartbeat:
		var rec record.Heartbeat
		if err := decodeInto(packet, &rec); err != nil {
			l.stats.AddInvalid()
			return err
		}
		l.handler.Heartbeat(rec)
		return nil

	case record.KindStatus:
		var rec record.Status
		if err := decodeInto(packet, &rec); err != nil {
			l.stats.AddInvalid()
			return err
		}
		l.handler.Status(rec)
		return nil
	}
	l.stats.AddInvalid()
	return fmt.Errorf("unhandled record kind %q", kind)
}

// Close closes the UDP listener and releases resources.
func (l *UDPListener) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
