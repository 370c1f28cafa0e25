package command

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUDSServer(t *testing.T) (*UDSClient, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "run", "relay.sock")
	handler, _ := newTestHandler(t)
	server := NewUDSServer(socketPath, handler)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return NewUDSClient(socketPath, 5*time.Second), socketPath
}

func TestUDSServerClient_Integration(t *testing.T) {
	client, _ := startUDSServer(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	resp, err := client.UserCreate(ctx, UserCreateParams{User: "alice", Password: "pw", VLANID: 3})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.UserCreate(ctx, UserCreateParams{User: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConflict, resp.Error.Code)

	resp, err = client.UserList(ctx)
	require.NoError(t, err)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, result["count"])

	resp, err = client.RuleCreate(ctx, RuleCreateParams{Kind: "user", Name: "r", ScopeID: 0, DestIP: "10.1.1.1", DestPort: 22})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.RuleList(ctx)
	require.NoError(t, err)
	result = resp.Result.(map[string]interface{})
	assert.EqualValues(t, 1, result["count"])

	resp, err = client.RelayStart(ctx, "udp")
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.RelayStatus(ctx)
	require.NoError(t, err)
	result = resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["running"])
	assert.Equal(t, "udp", result["protocol"])

	resp, err = client.RelayStop(ctx)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.RuleRemove(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.UserRemove(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)

	resp, err = client.ConfigReload(ctx)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.Call(ctx, "nope", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestUDSServer_MalformedLines(t *testing.T) {
	_, socketPath := startUDSServer(t)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "-32700")

	_, err = conn.Write([]byte(`{"jsonrpc":"1.0","method":"user_list","id":1}` + "\n"))
	require.NoError(t, err)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "-32600")
}

func TestUDSServer_StopRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	handler, _ := newTestHandler(t)
	server := NewUDSServer(socketPath, handler)
	assert.Equal(t, socketPath, server.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, server.Stop(), "stop is idempotent")
}

func TestUDSClient_NoServer(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), 0)
	assert.Equal(t, 10*time.Second, client.timeout)
	_, err := client.UserList(context.Background())
	assert.Error(t, err)
}
