package transport

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/metrics"
	"firestige.xyz/vpnrelay/internal/rawsock"
)

// MaxCount is the default receive attempt budget of a listen.
const MaxCount = 1000

// maxFrame fits any IPv4 datagram.
const maxFrame = 65535

// Expect switches a listen into addressed mode: only segments from PeerPort
// continuing the sequence (ack == Seq+1, seq == Ack) are accepted.
type Expect struct {
	PeerPort uint16
	Seq      uint32
	Ack      uint32
}

// Match is the result of a listen. A give-up leaves every field zero.
type Match struct {
	Found    bool
	PeerIP   netip.Addr
	PeerPort uint16
	Seq      uint32
	Ack      uint32
	Flags    codec.Flags
	Payload  []byte
}

// Listener waits for a TCP segment addressed to Local on a raw socket.
type Listener struct {
	Local       core.NetworkAddress
	MaxAttempts int
}

func (l Listener) budget() int {
	if l.MaxAttempts <= 0 {
		return MaxCount
	}
	return l.MaxAttempts
}

// Listen polls sock until a segment passes every check or the attempt budget
// runs out. Every receive try costs one attempt, whether it would block or
// delivered a frame; any other receive error also pauses for
// recvErrorBackoff. A closed socket ends the listen as a give-up.
func (l Listener) Listen(sock rawsock.Socket, accept func(codec.Flags) bool, expect *Expect) Match {
	mode := "any_peer"
	if expect != nil {
		mode = "addressed"
	}

	buf := make([]byte, maxFrame)
	for attempt := 0; attempt < l.budget(); attempt++ {
		n, from, err := sock.Recv(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			if !errors.Is(err, rawsock.ErrWouldBlock) {
				time.Sleep(recvErrorBackoff)
			}
			continue
		}
		frame := buf[:n]

		seg, err := codec.DecodeTCP(frame)
		if err != nil {
			continue
		}
		if seg.DstPort != l.Local.Port {
			continue
		}
		if expect != nil && seg.SrcPort != expect.PeerPort {
			continue
		}
		if !codec.VerifyTCP(from, l.Local.IP, frame) {
			continue
		}
		if expect != nil && (seg.Ack != expect.Seq+1 || seg.Seq != expect.Ack) {
			continue
		}
		if !accept(seg.Flags) {
			continue
		}

		return Match{
			Found:    true,
			PeerIP:   from,
			PeerPort: seg.SrcPort,
			Seq:      seg.Seq,
			Ack:      seg.Ack,
			Flags:    seg.Flags,
			Payload:  append([]byte(nil), seg.Payload...),
		}
	}

	metrics.ListenerGiveUpsTotal.WithLabelValues(mode).Inc()
	return Match{}
}

// HasFlags returns an accept predicate requiring every bit of want.
func HasFlags(want codec.Flags) func(codec.Flags) bool {
	return func(f codec.Flags) bool {
		return f.Has(want)
	}
}
