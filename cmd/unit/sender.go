package main

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/banshee-data/proximity.report/internal/record"
)

// Sender ships records to the hub over UDP. Datagrams are fire and
// forget; the hub's dedup and the next measurement cover any loss.
type Sender struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialSender connects the UDP socket to the hub's ingest address.
func DialSender(hubAddr string) (*Sender, error) {
	conn, err := net.Dial("udp", hubAddr)
	if err != nil {
		return nil, err
	}
	return &Sender{conn: conn}, nil
}

func (s *Sender) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.Write(data)
	return err
}

// SendDistance ships one measurement record.
func (s *Sender) SendDistance(d record.Distance) error {
	return s.send(d)
}

// SendHeartbeat ships a liveness beacon.
func (s *Sender) SendHeartbeat(h record.Heartbeat) error {
	return s.send(h)
}

// SendStatus ships a diagnostic message.
func (s *Sender) SendStatus(st record.Status) error {
	return s.send(st)
}

// Close releases the socket.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
