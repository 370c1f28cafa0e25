// Package codec implements the hand-built IPv4 transport segment codecs.
package codec

import (
	"fmt"

	"firestige.xyz/vpnrelay/internal/core"
)

// Protocol is an IPv4 protocol number.
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// String returns "tcp", "udp" or the numeric value.
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// ParseProtocol maps "tcp"/"udp" to a Protocol.
func ParseProtocol(name string) (Protocol, error) {
	switch name {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return 0, fmt.Errorf("%q: %w", name, core.ErrUnknownProtocol)
	}
}

// IPv4HeaderLen is the fixed header length assumed on received frames.
// The raw socket always delivers a 20-byte header; options are not handled.
const IPv4HeaderLen = 20

// stripIPv4 returns the transport segment of a received frame.
func stripIPv4(frame []byte, minSegment int) ([]byte, error) {
	if len(frame) < IPv4HeaderLen+minSegment {
		return nil, core.ErrFrameTooShort
	}
	return frame[IPv4HeaderLen:], nil
}
