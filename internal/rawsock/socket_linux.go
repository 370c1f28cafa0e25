//go:build linux

package rawsock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/log"
)

// UnixOpener opens AF_INET raw sockets through golang.org/x/sys/unix.
type UnixOpener struct {
	cfg Config
}

// NewOpener creates an Opener backed by kernel raw sockets.
func NewOpener(cfg Config) *UnixOpener {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &UnixOpener{cfg: cfg}
}

// Open creates a non-blocking raw socket with IP_HDRINCL set.
func (o *UnixOpener) Open(proto codec.Protocol, local core.NetworkAddress, bind bool) (Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("open raw %s socket: %w", proto, err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}

	if bind {
		if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: local.IP.As4()}); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind raw %s socket to %s: %w", proto, local.IP, err)
		}
		if o.cfg.BPF {
			if err := attachFilter(fd, local.Port); err != nil {
				// the software port filter still applies
				log.GetLogger().WithError(err).Warn("bpf filter not attached")
			}
		}
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"protocol": proto.String(),
		"local":    local.String(),
		"bound":    bind,
	}).Debug("raw socket opened")

	return &unixSocket{
		fd:    fd,
		proto: proto,
		local: local.IP,
		cfg:   o.cfg,
	}, nil
}

func attachFilter(fd int, port uint16) error {
	raw, err := DstPortFilter(port)
	if err != nil {
		return err
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

type unixSocket struct {
	// mu keeps Close from releasing fd while a poll is in flight.
	mu     sync.RWMutex
	closed bool

	fd    int
	proto codec.Protocol
	local netip.Addr
	cfg   Config
}

func (s *unixSocket) Recv(buf []byte) (int, netip.Addr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, netip.Addr{}, net.ErrClosed
	}

	if s.cfg.PollInterval > 0 {
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(s.cfg.PollInterval.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				return 0, netip.Addr{}, ErrWouldBlock
			}
			return 0, netip.Addr{}, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return 0, netip.Addr{}, ErrWouldBlock
		}
	}

	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, netip.Addr{}, ErrWouldBlock
		}
		return 0, netip.Addr{}, fmt.Errorf("recvfrom: %w", err)
	}
	sa, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return 0, netip.Addr{}, ErrWouldBlock
	}
	return n, netip.AddrFrom4(sa.Addr), nil
}

func (s *unixSocket) SendTo(segment []byte, dst netip.Addr) error {
	frame, err := Frame(s.local, dst, s.proto, s.cfg.TTL, segment)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return net.ErrClosed
	}
	if err := unix.Sendto(s.fd, frame, 0, &unix.SockaddrInet4{Addr: dst.As4()}); err != nil {
		return fmt.Errorf("sendto %s: %w", dst, err)
	}
	return nil
}

// Close is idempotent.
func (s *unixSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
