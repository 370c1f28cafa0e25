package transport

import (
	"context"
	"fmt"
	"iter"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
)

// TCP marks connections as accepted by completing the three-way handshake.
// No data is exchanged once a connection is established.
type TCP struct {
	endpoint
}

func NewTCP(cfg Config) *TCP {
	t := &TCP{}
	t.setup(codec.ProtocolTCP, cfg)
	return t
}

// Send completes a client handshake with dst and closes. The payload is not
// transmitted.
func (t *TCP) Send(payload []byte, dst core.NetworkAddress) error {
	sock, err := t.opener.Open(codec.ProtocolTCP, t.local, true)
	if err != nil {
		return err
	}
	defer sock.Close()

	h := NewHandshake(RoleClient, sock, t.listener)
	if err := h.Connect(dst); err != nil {
		t.logger.WithError(err).WithField("dst", dst.String()).Warn("tcp connect failed")
		return fmt.Errorf("connect %s: %w", dst, err)
	}
	t.logger.WithFields(map[string]interface{}{
		"dst": dst.String(),
		"seq": h.Seq(),
		"ack": h.Ack(),
	}).Info("tcp connection established")
	return nil
}

// Run accepts one handshake per iteration until stopped. The sequence never
// yields.
func (t *TCP) Run(ctx context.Context) (iter.Seq[[]byte], error) {
	sock, err := t.bind()
	if err != nil {
		return nil, err
	}
	return func(yield func([]byte) bool) {
		defer t.Stop()
		for !t.done(ctx) {
			h := NewHandshake(RoleServer, sock, t.listener)
			if err := h.Accept(); err != nil {
				t.logger.WithError(err).Debug("no connection accepted")
				continue
			}
			t.logger.WithFields(map[string]interface{}{
				"peer": h.Peer().String(),
				"seq":  h.Seq(),
				"ack":  h.Ack(),
			}).Info("tcp connection accepted")
		}
	}, nil
}
