package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/log"
	"firestige.xyz/vpnrelay/internal/rawsock"
	"firestige.xyz/vpnrelay/internal/rawsock/rawsocktest"
)

func hookLogger() (log.Logger, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return log.FromLogrus(l), hook
}

func hasMessage(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func TestNew(t *testing.T) {
	network := rawsocktest.NewNetwork()

	tr, err := New("udp", Config{Local: relayAddr, Opener: network})
	require.NoError(t, err)
	assert.Equal(t, "udp", tr.Protocol())
	assert.IsType(t, &UDP{}, tr)

	tr, err = New("tcp", Config{Local: relayAddr, Opener: network})
	require.NoError(t, err)
	assert.Equal(t, "tcp", tr.Protocol())

	_, err = New("sctp", Config{Local: relayAddr, Opener: network})
	assert.ErrorIs(t, err, core.ErrUnknownProtocol)
}

func TestUDPSend(t *testing.T) {
	network := rawsocktest.NewNetwork()
	tr := NewUDP(Config{Local: clientAddr, Opener: network})

	require.NoError(t, tr.Send([]byte("hi"), relayAddr))

	sent := network.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, codec.ProtocolUDP, sent[0].Proto)
	assert.Equal(t, relayAddr.IP, sent[0].Dst)

	d, err := codec.DecodeUDP(sent[0].Frame)
	require.NoError(t, err)
	assert.Equal(t, clientAddr.Port, d.SrcPort)
	assert.Equal(t, relayAddr.Port, d.DstPort)
	assert.Equal(t, uint16(codec.UDPHeaderLen+2), d.Length)
	assert.Equal(t, []byte("hi"), d.Payload)
	assert.True(t, codec.VerifyUDP(clientAddr.IP, relayAddr.IP, sent[0].Frame))
}

func TestUDPRunYieldsOnlyIntactDatagrams(t *testing.T) {
	network := rawsocktest.NewNetwork()
	logger, hook := hookLogger()
	relay := NewUDP(Config{Local: relayAddr, Opener: network, Logger: logger})

	seq, err := relay.Run(context.Background())
	require.NoError(t, err)

	corrupted, err := rawsock.Frame(clientAddr.IP, relayAddr.IP, codec.ProtocolUDP, 64,
		codec.EncodeUDP(clientAddr.IP, relayAddr.IP, clientAddr.Port, relayAddr.Port, []byte("evil")))
	require.NoError(t, err)
	corrupted[len(corrupted)-1] ^= 0x80
	network.Inject(codec.ProtocolUDP, clientAddr.IP, relayAddr.IP, corrupted)

	foreign, err := rawsock.Frame(clientAddr.IP, relayAddr.IP, codec.ProtocolUDP, 64,
		codec.EncodeUDP(clientAddr.IP, relayAddr.IP, clientAddr.Port, 9999, []byte("other")))
	require.NoError(t, err)
	network.Inject(codec.ProtocolUDP, clientAddr.IP, relayAddr.IP, foreign)

	client := NewUDP(Config{Local: clientAddr, Opener: network})
	require.NoError(t, client.Send([]byte("good"), relayAddr))

	var got [][]byte
	for payload := range seq {
		got = append(got, payload)
		break
	}

	assert.Equal(t, [][]byte{[]byte("good")}, got)
	assert.True(t, hasMessage(hook, "corrupted datagram"))
	assert.True(t, hasMessage(hook, "datagram received"))

	// breaking out of the sequence stops the transport
	assert.Equal(t, 0, network.Bound())
	_, err = relay.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrTransportStopped)
}

func TestUDPRunEndsOnStop(t *testing.T) {
	network := rawsocktest.NewNetwork()
	relay := NewUDP(Config{Local: relayAddr, Opener: network})

	seq, err := relay.Run(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for range seq {
		}
		close(done)
	}()

	require.NoError(t, relay.Stop())
	require.NoError(t, relay.Stop())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after Stop")
	}
}

// failingSocket fails every receive with err until closed.
type failingSocket struct {
	err    error
	mu     sync.Mutex
	calls  int
	closed bool
}

func (s *failingSocket) Recv([]byte) (int, netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.closed {
		return 0, netip.Addr{}, net.ErrClosed
	}
	return 0, netip.Addr{}, s.err
}

func (s *failingSocket) SendTo([]byte, netip.Addr) error { return s.err }

func (s *failingSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *failingSocket) recvCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type socketOpener struct{ sock rawsock.Socket }

func (o socketOpener) Open(codec.Protocol, core.NetworkAddress, bool) (rawsock.Socket, error) {
	return o.sock, nil
}

func TestUDPRunBacksOffOnReceiveErrors(t *testing.T) {
	sock := &failingSocket{err: syscall.ENOBUFS}
	logger, hook := hookLogger()
	relay := NewUDP(Config{Local: relayAddr, Opener: socketOpener{sock}, Logger: logger})

	seq, err := relay.Run(context.Background())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		for range seq {
			t.Error("failing socket yielded a payload")
		}
		close(done)
	}()

	time.Sleep(20 * recvErrorBackoff)
	require.NoError(t, relay.Stop())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after Stop")
	}

	assert.LessOrEqual(t, sock.recvCalls(), 30)
	errorsLogged := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "receive failed" && e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)
}

func TestUDPRunEndsOnCancel(t *testing.T) {
	network := rawsocktest.NewNetwork()
	relay := NewUDP(Config{Local: relayAddr, Opener: network})

	ctx, cancel := context.WithCancel(context.Background())
	seq, err := relay.Run(ctx)
	require.NoError(t, err)
	cancel()

	for range seq {
		t.Fatal("nothing was sent")
	}
	assert.Equal(t, 0, network.Bound())
}

func TestRunSurfacesOpenFailure(t *testing.T) {
	network := rawsocktest.NewNetwork()
	network.OpenErr = errors.New("operation not permitted")

	_, err := NewUDP(Config{Local: relayAddr, Opener: network}).Run(context.Background())
	assert.EqualError(t, err, "operation not permitted")

	_, err = NewTCP(Config{Local: relayAddr, Opener: network}).Run(context.Background())
	assert.EqualError(t, err, "operation not permitted")

	assert.Error(t, NewUDP(Config{Local: relayAddr, Opener: network}).Send(nil, clientAddr))
}

func TestRunTwice(t *testing.T) {
	network := rawsocktest.NewNetwork()
	relay := NewUDP(Config{Local: relayAddr, Opener: network})
	defer relay.Stop()

	_, err := relay.Run(context.Background())
	require.NoError(t, err)
	_, err = relay.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrAlreadyRunning)
}

func TestTCPSendAndRun(t *testing.T) {
	network := rawsocktest.NewNetwork()
	serverLog, serverHook := hookLogger()
	server := NewTCP(Config{Local: relayAddr, Opener: network, Logger: serverLog})

	seq, err := server.Run(context.Background())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		for range seq {
			t.Error("tcp run yielded a payload")
		}
		close(done)
	}()

	clientLog, clientHook := hookLogger()
	client := NewTCP(Config{Local: clientAddr, Opener: network, Logger: clientLog})
	require.NoError(t, client.Send([]byte("ignored"), relayAddr))
	assert.True(t, hasMessage(clientHook, "tcp connection established"))

	assert.Eventually(t, func() bool {
		return hasMessage(serverHook, "tcp connection accepted")
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, server.Stop())
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tcp run did not end after Stop")
	}
}

func TestTCPSendWithoutPeer(t *testing.T) {
	network := rawsocktest.NewNetwork()
	client := NewTCP(Config{Local: clientAddr, Opener: network, MaxAttempts: 5})

	err := client.Send(nil, relayAddr)
	assert.ErrorIs(t, err, core.ErrHandshakeFailed)
	assert.Equal(t, 0, network.Bound())
}
