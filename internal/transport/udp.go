package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/metrics"
	"firestige.xyz/vpnrelay/internal/rawsock"
)

// UDP relays single datagrams. Run yields the payload of every intact
// datagram addressed to the local port.
type UDP struct {
	endpoint
}

func NewUDP(cfg Config) *UDP {
	t := &UDP{}
	t.setup(codec.ProtocolUDP, cfg)
	return t
}

// Send fires one datagram at dst from the local port. There is no
// acknowledgement and no retry.
func (t *UDP) Send(payload []byte, dst core.NetworkAddress) error {
	sock, err := t.opener.Open(codec.ProtocolUDP, t.local, false)
	if err != nil {
		return err
	}
	defer sock.Close()

	seg := codec.EncodeUDP(t.local.IP, dst.IP, t.local.Port, dst.Port, payload)
	if err := sock.SendTo(seg, dst.IP); err != nil {
		return fmt.Errorf("udp send to %s: %w", dst, err)
	}
	t.logger.WithFields(map[string]interface{}{
		"dst":    dst.String(),
		"length": len(seg),
	}).Info("datagram sent")
	return nil
}

func (t *UDP) Run(ctx context.Context) (iter.Seq[[]byte], error) {
	sock, err := t.bind()
	if err != nil {
		return nil, err
	}
	return func(yield func([]byte) bool) {
		defer t.Stop()
		buf := make([]byte, maxFrame)
		failures := 0
		for !t.done(ctx) {
			payload, ok, err := t.receive(sock, buf)
			switch {
			case errors.Is(err, net.ErrClosed):
				return
			case err != nil:
				failures++
				if failures == 1 {
					t.logger.WithError(err).Error("receive failed")
				} else {
					t.logger.WithError(err).WithField("failures", failures).Debug("receive failed")
				}
				t.backoff(ctx)
				continue
			}
			if failures > 0 {
				t.logger.WithField("failures", failures).Info("receive recovered")
				failures = 0
			}
			if !ok {
				continue
			}
			if !yield(payload) {
				return
			}
		}
	}, nil
}

// receive reads one frame and returns its payload when the datagram is for
// the local port and its checksum is intact. A would-block is not an error.
func (t *UDP) receive(sock rawsock.Socket, buf []byte) (payload []byte, ok bool, err error) {
	n, from, err := sock.Recv(buf)
	if err != nil {
		if errors.Is(err, rawsock.ErrWouldBlock) {
			return nil, false, nil
		}
		return nil, false, err
	}
	frame := buf[:n]

	d, err := codec.DecodeUDP(frame)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("udp", metrics.FrameMalformed).Inc()
		return nil, false, nil
	}
	if d.DstPort != t.local.Port {
		metrics.FramesTotal.WithLabelValues("udp", metrics.FrameForeignPort).Inc()
		return nil, false, nil
	}
	if !codec.VerifyUDP(from, t.local.IP, frame) {
		metrics.FramesTotal.WithLabelValues("udp", metrics.FrameCorrupted).Inc()
		t.logger.WithFields(map[string]interface{}{
			"src":  from.String(),
			"port": d.SrcPort,
		}).Warn("corrupted datagram")
		return nil, false, nil
	}

	metrics.FramesTotal.WithLabelValues("udp", metrics.FrameAccepted).Inc()
	t.logger.WithFields(map[string]interface{}{
		"src":      from.String(),
		"port":     d.SrcPort,
		"length":   d.Length,
		"checksum": fmt.Sprintf("0x%04x", d.Checksum),
	}).Info("datagram received")
	return bytes.Clone(d.Payload), true, nil
}
