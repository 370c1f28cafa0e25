package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"firestige.xyz/vpnrelay/internal/log"
)

// UDSServer serves the administrative methods as newline-delimited JSON-RPC
// on a Unix domain socket. Each connection may carry any number of requests.
type UDSServer struct {
	socketPath string
	handler    *CommandHandler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

func NewUDSServer(socketPath string, handler *CommandHandler) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start listens on the socket and serves until ctx is done, then stops the
// server. A stale socket file is replaced; the new one is owner-only.
func (s *UDSServer) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	if ln == nil {
		return nil // stopped before listening
	}
	log.GetLogger().WithField("socket", s.socketPath).Info("uds server started")

	go s.serve(ctx, ln)

	<-ctx.Done()
	log.GetLogger().WithField("reason", ctx.Err()).Info("uds server stopping")
	return s.Stop()
}

func (s *UDSServer) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(s.socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		ln.Close()
		os.RemoveAll(s.socketPath)
		return nil, nil
	}
	s.listener = ln
	return ln, nil
}

func (s *UDSServer) serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			log.GetLogger().WithError(err).Error("failed to accept connection")
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *UDSServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// track registers conn unless the server is stopping.
func (s *UDSServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *UDSServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *UDSServer) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	logger := log.GetLogger().WithField("remote", conn.RemoteAddr().String())
	logger.Debug("uds connection established")

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var out JSONRPCResponse
		req, bad := parseRequestLine(scanner.Bytes())
		if bad != nil {
			logger.WithField("code", bad.Error.Code).Warn("rejected control request")
			out = *bad
		} else {
			out = req.reply(s.handler.Handle(ctx, req.command()))
		}
		if err := enc.Encode(out); err != nil {
			logger.WithError(err).Error("failed to send response")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Debug("connection error")
	}
	logger.Debug("uds connection closed")
}

// Addr returns the socket path.
func (s *UDSServer) Addr() string {
	return s.socketPath
}

// Stop closes the listener and every open connection, waits for in-flight
// requests and removes the socket file. Repeated calls are no-ops.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	os.RemoveAll(s.socketPath)

	log.GetLogger().Info("uds server stopped")
	return nil
}
