package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/rawsock/rawsocktest"
	"firestige.xyz/vpnrelay/internal/rule"
	"firestige.xyz/vpnrelay/internal/transport"
	"firestige.xyz/vpnrelay/internal/user"
)

type fixture struct {
	network *rawsocktest.Network
	users   *user.Registry
	rules   *rule.Set
	relay   *Relay
	hook    *test.Hook
	local   core.NetworkAddress
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	network := rawsocktest.NewNetwork()
	users, err := user.NewRegistry(user.MemoryStore{})
	require.NoError(t, err)
	rules := rule.NewSet()
	logger, hook := hookLogger()
	local := mustAddr(t, "127.0.0.1", 5001)

	r := New(users, rules, NewTransportFactory(transport.Config{Local: local, Opener: network}), logger)
	t.Cleanup(func() { _ = r.Stop() })
	return &fixture{network: network, users: users, rules: rules, relay: r, hook: hook, local: local}
}

// sendRequest plays the client: a UDP datagram carrying the JSON request.
func (f *fixture) sendRequest(t *testing.T, name, password string, dst core.NetworkAddress, data string) {
	t.Helper()
	payload, err := EncodeRequest(core.RelayRequest{User: name, Password: password, Destination: dst, Payload: []byte(data)})
	require.NoError(t, err)
	client := transport.NewUDP(transport.Config{Local: mustAddr(t, "127.0.0.1", 4000), Opener: f.network})
	require.NoError(t, client.Send(payload, f.local))
}

// forwarded returns the payloads the relay sent toward dst.
func (f *fixture) forwarded(dst core.NetworkAddress) [][]byte {
	var out [][]byte
	for _, p := range f.network.Sent() {
		if p.Proto != codec.ProtocolUDP || p.Dst != dst.IP {
			continue
		}
		d, err := codec.DecodeUDP(p.Frame)
		if err != nil || d.DstPort != dst.Port {
			continue
		}
		out = append(out, d.Payload)
	}
	return out
}

func (f *fixture) logged(msg string) bool {
	for _, e := range f.hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func TestRelayForwardsAuthenticatedRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Create("alice", "pw", 1)
	require.NoError(t, err)
	require.NoError(t, f.relay.Start("udp"))

	dst := mustAddr(t, "127.0.0.1", 9000)
	f.sendRequest(t, "alice", "pw", dst, "hi")

	require.Eventually(t, func() bool {
		return len(f.forwarded(dst)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hi"), f.forwarded(dst)[0])

	// forwarded from the relay's own port
	for _, p := range f.network.Sent() {
		d, err := codec.DecodeUDP(p.Frame)
		require.NoError(t, err)
		if d.DstPort == dst.Port {
			assert.Equal(t, f.local.Port, d.SrcPort)
			assert.True(t, codec.VerifyUDP(f.local.IP, dst.IP, p.Frame))
		}
	}
}

func TestRelayRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Create("alice", "pw", 1)
	require.NoError(t, err)
	require.NoError(t, f.relay.Start("udp"))

	dst := mustAddr(t, "127.0.0.1", 9000)
	f.sendRequest(t, "alice", "nope", dst, "hi")

	require.Eventually(t, func() bool {
		return f.logged("user not found")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.forwarded(dst))

	for _, e := range f.hook.AllEntries() {
		if e.Message == "user not found" {
			assert.ErrorIs(t, e.Data[logrus.ErrorKey].(error), core.ErrAuthFailure)
		}
	}
}

func TestRelayRuleBlocks(t *testing.T) {
	f := newFixture(t)
	alice, err := f.users.Create("alice", "pw", 1)
	require.NoError(t, err)
	dst := mustAddr(t, "127.0.0.1", 9000)
	f.rules.Add(rule.Rule{Name: "vlan1-9000", Kind: rule.KindVLAN, ScopeID: alice.VLANID, Blocked: dst})
	require.NoError(t, f.relay.Start("udp"))

	f.sendRequest(t, "alice", "pw", dst, "hi")

	require.Eventually(t, func() bool {
		return f.logged("rule vlan1-9000 blocked")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.forwarded(dst))
}

func TestRelayDiscardsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	_, err := f.users.Create("alice", "pw", 1)
	require.NoError(t, err)
	require.NoError(t, f.relay.Start("udp"))

	client := transport.NewUDP(transport.Config{Local: mustAddr(t, "127.0.0.1", 4000), Opener: f.network})
	require.NoError(t, client.Send([]byte("not a request"), f.local))

	dst := mustAddr(t, "127.0.0.1", 9000)
	f.sendRequest(t, "alice", "pw", dst, "after")

	require.Eventually(t, func() bool {
		return len(f.forwarded(dst)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.logged("discarding malformed request"))
	assert.Eventually(t, func() bool {
		return f.relay.Status().Handled == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelayLifecycle(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.relay.Stop(), core.ErrNotRunning)
	assert.False(t, f.relay.Status().Running)

	require.NoError(t, f.relay.Start("udp"))
	st := f.relay.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "udp", st.Protocol)
	assert.False(t, st.Since.IsZero())
	assert.Equal(t, 1, f.network.Bound())

	// double start is a no-op
	assert.ErrorIs(t, f.relay.Start("tcp"), core.ErrAlreadyRunning)
	assert.Equal(t, "udp", f.relay.Status().Protocol)

	require.NoError(t, f.relay.Stop())
	assert.False(t, f.relay.Status().Running)
	assert.Equal(t, 0, f.network.Bound())
	assert.ErrorIs(t, f.relay.Stop(), core.ErrNotRunning)

	// the transport may be swapped once stopped
	require.NoError(t, f.relay.Start("tcp"))
	assert.Equal(t, "tcp", f.relay.Status().Protocol)
	require.NoError(t, f.relay.Stop())
}

func TestRelayStartErrors(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.relay.Start("icmp"), core.ErrUnknownProtocol)

	f.network.OpenErr = errors.New("operation not permitted")
	err := f.relay.Start("udp")
	assert.ErrorContains(t, err, "operation not permitted")
	assert.False(t, f.relay.Status().Running)
}
