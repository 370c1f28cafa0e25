// Package transport implements the relay transports over raw IPv4 sockets:
// a one-shot UDP datagram path and an accept-only TCP handshake path.
package transport

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/log"
	"firestige.xyz/vpnrelay/internal/rawsock"
)

// Transport is the uniform send/run/stop contract of the relay transports.
//
// Run opens the bound socket before returning so that open or bind failures
// reach the caller. The returned sequence is infinite until Stop is called or
// ctx is cancelled, and a Transport cannot be run again afterwards. Stop is
// idempotent; it closes the socket, which ends the sequence.
type Transport interface {
	Protocol() string
	Send(payload []byte, dst core.NetworkAddress) error
	Run(ctx context.Context) (iter.Seq[[]byte], error)
	Stop() error
}

// Config is shared by both transports.
type Config struct {
	Local       core.NetworkAddress
	MaxAttempts int
	Opener      rawsock.Opener
	Logger      log.Logger
}

// recvErrorBackoff is the pause after a receive error that is neither a
// would-block nor a closed socket.
const recvErrorBackoff = 10 * time.Millisecond

// New returns the transport for protocol ("tcp" or "udp").
func New(protocol string, cfg Config) (Transport, error) {
	proto, err := codec.ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}
	switch proto {
	case codec.ProtocolTCP:
		return NewTCP(cfg), nil
	default:
		return NewUDP(cfg), nil
	}
}

// endpoint owns the bound socket of a running transport and the stop signal.
type endpoint struct {
	proto    codec.Protocol
	local    core.NetworkAddress
	opener   rawsock.Opener
	listener Listener
	logger   log.Logger

	mu      sync.Mutex
	sock    rawsock.Socket
	started bool
	stopped atomic.Bool
}

func (e *endpoint) setup(proto codec.Protocol, cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	e.proto = proto
	e.local = cfg.Local
	e.opener = cfg.Opener
	e.listener = Listener{Local: cfg.Local, MaxAttempts: cfg.MaxAttempts}
	e.logger = logger.WithField("protocol", proto.String())
}

func (e *endpoint) Protocol() string {
	return e.proto.String()
}

// bind opens the socket used by Run.
func (e *endpoint) bind() (rawsock.Socket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped.Load() {
		return nil, core.ErrTransportStopped
	}
	if e.started {
		return nil, fmt.Errorf("%s transport: %w", e.proto, core.ErrAlreadyRunning)
	}
	sock, err := e.opener.Open(e.proto, e.local, true)
	if err != nil {
		return nil, err
	}
	e.sock = sock
	e.started = true
	e.logger.WithField("local", e.local.String()).Info("transport listening")
	return sock, nil
}

// done reports whether the run loop must end. It is only consulted between
// top-level work units, never inside a listen.
func (e *endpoint) done(ctx context.Context) bool {
	return e.stopped.Load() || ctx.Err() != nil
}

// backoff pauses after a failed receive, returning early when ctx ends.
func (e *endpoint) backoff(ctx context.Context) {
	timer := time.NewTimer(recvErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *endpoint) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	sock := e.sock
	e.sock = nil
	e.mu.Unlock()

	if sock == nil {
		return nil
	}
	e.logger.Info("transport stopped")
	return sock.Close()
}
