package transport

import (
	"fmt"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/metrics"
	"firestige.xyz/vpnrelay/internal/rawsock"
)

// State is a TCP handshake state.
type State int

const (
	StateInit State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role is the side of a handshake.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Handshake drives one three-way handshake over a bound raw socket. It is
// single use: a failed handshake is never retried.
type Handshake struct {
	role     Role
	sock     rawsock.Socket
	listener Listener

	state State
	seq   uint32
	ack   uint32
	peer  core.NetworkAddress
}

// NewHandshake prepares a handshake for role. The listener's Local address
// is the local end of the connection.
func NewHandshake(role Role, sock rawsock.Socket, listener Listener) *Handshake {
	return &Handshake{role: role, sock: sock, listener: listener, state: StateInit}
}

func (h *Handshake) State() State              { return h.state }
func (h *Handshake) Seq() uint32               { return h.seq }
func (h *Handshake) Ack() uint32               { return h.ack }
func (h *Handshake) Peer() core.NetworkAddress { return h.peer }

func (h *Handshake) transition(s State) {
	h.state = s
	metrics.HandshakeTransitionsTotal.WithLabelValues(string(h.role), s.String()).Inc()
}

func (h *Handshake) fail(err error) error {
	h.transition(StateFailed)
	return err
}

func (h *Handshake) send(flags codec.Flags, dst core.NetworkAddress) error {
	local := h.listener.Local
	seg := codec.Segment{
		SrcPort: local.Port,
		DstPort: dst.Port,
		Seq:     h.seq,
		Ack:     h.ack,
		Flags:   flags,
	}
	if err := h.sock.SendTo(seg.Marshal(local.IP, dst.IP), dst.IP); err != nil {
		return fmt.Errorf("send %s to %s: %w", flags, dst, err)
	}
	return nil
}

// Connect performs the client side: SYN, wait for SYN|ACK, ACK.
func (h *Handshake) Connect(dst core.NetworkAddress) error {
	if h.state != StateInit {
		return fmt.Errorf("connect in state %s: %w", h.state, core.ErrHandshakeFailed)
	}
	h.peer = dst
	h.seq, h.ack = 0, 0
	if err := h.send(codec.SYN, dst); err != nil {
		return h.fail(err)
	}
	h.transition(StateSynSent)

	m := h.listener.Listen(h.sock, HasFlags(codec.SYN|codec.ACK), nil)
	if !m.Found {
		return h.fail(fmt.Errorf("no SYN|ACK from %s: %w", dst, core.ErrHandshakeFailed))
	}
	h.seq = m.Ack
	h.ack = m.Seq + 1

	if err := h.send(codec.ACK, dst); err != nil {
		return h.fail(err)
	}
	h.transition(StateEstablished)
	return nil
}

// Accept performs the server side: wait for SYN from any peer, SYN|ACK,
// wait for the peer's ACK.
func (h *Handshake) Accept() error {
	if h.state != StateInit {
		return fmt.Errorf("accept in state %s: %w", h.state, core.ErrHandshakeFailed)
	}

	syn := h.listener.Listen(h.sock, HasFlags(codec.SYN), nil)
	if !syn.Found {
		return h.fail(fmt.Errorf("no SYN: %w", core.ErrHandshakeFailed))
	}
	h.peer = core.NetworkAddress{IP: syn.PeerIP, Port: syn.PeerPort}
	h.seq = syn.Ack
	h.ack = syn.Seq + 1
	h.transition(StateSynReceived)

	if err := h.send(codec.SYN|codec.ACK, h.peer); err != nil {
		return h.fail(err)
	}

	ack := h.listener.Listen(h.sock, HasFlags(codec.ACK), &Expect{
		PeerPort: h.peer.Port,
		Seq:      h.seq,
		Ack:      h.ack,
	})
	if !ack.Found {
		return h.fail(fmt.Errorf("no ACK from %s: %w", h.peer, core.ErrHandshakeFailed))
	}
	h.seq = ack.Ack
	h.ack = ack.Seq + 1
	h.transition(StateEstablished)
	return nil
}
