//go:build !pcap
// +build !pcap

package network

import (
	"context"
	"fmt"
)

// ReadPCAPFile is unavailable without the 'pcap' build tag; it needs
// libpcap at build time.
func ReadPCAPFile(ctx context.Context, pcapFile string, udpPort int, listener *UDPListener) error {
	return fmt.Errorf("PCAP support not built in: rebuild with -tags pcap to replay %s", pcapFile)
}
