// Package rawsock implements the raw IPv4 socket layer used by the transports.
package rawsock

import (
	"errors"
	"net/netip"
	"time"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
)

// ErrWouldBlock is returned by Recv when no frame arrived within one poll interval.
var ErrWouldBlock = errors.New("rawsock: would block")

// Socket is a raw IPv4 socket carrying one transport protocol.
//
// Recv fills buf with a whole frame, IPv4 header included, and reports the
// sender address. It returns ErrWouldBlock when nothing is pending and
// net.ErrClosed once Close has been called. SendTo prepends an IPv4 header
// to segment before writing it.
type Socket interface {
	Recv(buf []byte) (int, netip.Addr, error)
	SendTo(segment []byte, dst netip.Addr) error
	Close() error
}

// Opener opens raw sockets. When bind is true the socket is bound to local
// and only receives frames addressed to local.Port.
type Opener interface {
	Open(proto codec.Protocol, local core.NetworkAddress, bind bool) (Socket, error)
}

// Config configures sockets created by NewOpener.
type Config struct {
	// PollInterval bounds a single Recv. Zero means a pure non-blocking try.
	PollInterval time.Duration
	// BPF attaches a destination-port filter to bound sockets.
	BPF bool
	// TTL of emitted IPv4 headers.
	TTL uint8
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Millisecond,
		BPF:          true,
		TTL:          64,
	}
}
