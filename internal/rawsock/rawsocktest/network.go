// Package rawsocktest provides an in-memory raw IPv4 network for tests.
package rawsocktest

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/rawsock"
)

// Packet is a frame written by some socket on the network.
type Packet struct {
	Proto codec.Protocol
	Src   netip.Addr
	Dst   netip.Addr
	Frame []byte
}

// Network delivers every frame sent to an address to all sockets of the same
// protocol bound to that address, like the kernel does for raw sockets.
type Network struct {
	// PollInterval is how long Recv waits on an empty queue.
	PollInterval time.Duration
	// OpenErr, when set, makes every Open fail.
	OpenErr error

	mu      sync.Mutex
	sockets []*Socket
	sent    []Packet
}

// NewNetwork returns a network whose sockets wait one millisecond per Recv.
func NewNetwork() *Network {
	return &Network{PollInterval: time.Millisecond}
}

// Open implements rawsock.Opener.
func (n *Network) Open(proto codec.Protocol, local core.NetworkAddress, bind bool) (rawsock.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.OpenErr != nil {
		return nil, n.OpenErr
	}
	s := &Socket{
		net:    n,
		proto:  proto,
		local:  local.IP,
		bound:  bind,
		in:     make(chan received, 256),
		closed: make(chan struct{}),
	}
	if bind {
		n.sockets = append(n.sockets, s)
	}
	return s, nil
}

// Inject delivers a prebuilt frame as if src had sent it to dst.
func (n *Network) Inject(proto codec.Protocol, src, dst netip.Addr, frame []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliver(Packet{Proto: proto, Src: src, Dst: dst, Frame: frame})
}

// Sent returns every frame written through SendTo, in order.
func (n *Network) Sent() []Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Packet, len(n.sent))
	copy(out, n.sent)
	return out
}

// Bound reports how many bound sockets are still open.
func (n *Network) Bound() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sockets)
}

func (n *Network) deliver(p Packet) {
	for _, s := range n.sockets {
		if s.proto != p.Proto || s.local != p.Dst {
			continue
		}
		select {
		case s.in <- received{frame: p.Frame, from: p.Src}:
		default:
			// queue full, dropped like a kernel buffer overrun
		}
	}
}

func (n *Network) remove(s *Socket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.sockets {
		if cur == s {
			n.sockets = append(n.sockets[:i], n.sockets[i+1:]...)
			return
		}
	}
}

type received struct {
	frame []byte
	from  netip.Addr
}

// Socket is a raw socket attached to a Network.
type Socket struct {
	net   *Network
	proto codec.Protocol
	local netip.Addr
	bound bool

	in        chan received
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Socket) Recv(buf []byte) (int, netip.Addr, error) {
	select {
	case <-s.closed:
		return 0, netip.Addr{}, net.ErrClosed
	default:
	}

	timer := time.NewTimer(s.net.PollInterval)
	defer timer.Stop()
	select {
	case r := <-s.in:
		return copy(buf, r.frame), r.from, nil
	case <-timer.C:
		return 0, netip.Addr{}, rawsock.ErrWouldBlock
	case <-s.closed:
		return 0, netip.Addr{}, net.ErrClosed
	}
}

func (s *Socket) SendTo(segment []byte, dst netip.Addr) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	frame, err := rawsock.Frame(s.local, dst, s.proto, 64, segment)
	if err != nil {
		return err
	}

	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	p := Packet{Proto: s.proto, Src: s.local, Dst: dst, Frame: frame}
	s.net.sent = append(s.net.sent, p)
	s.net.deliver(p)
	return nil
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.bound {
			s.net.remove(s)
		}
	})
	return nil
}
