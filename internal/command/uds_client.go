package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// DefaultClientTimeout bounds a control call when no timeout is given.
const DefaultClientTimeout = 10 * time.Second

// UDSClient calls the daemon's control socket, one connection per call.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
	nextID     atomic.Uint64
}

func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = DefaultClientTimeout
	}
	return &UDSClient{socketPath: socketPath, timeout: timeout}
}

// Call sends method with params and returns the daemon's reply. Method level
// failures are reported in Response.Error; the error return is for transport
// and framing failures only.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	req := JSONRPCRequest{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		ID:      "cli-" + strconv.FormatUint(c.nextID.Add(1), 10),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	reply, err := roundTrip(conn, req)
	if err != nil {
		return nil, err
	}
	if got := idString(reply.ID); got != req.ID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", req.ID, got)
	}
	return reply.response(), nil
}

// roundTrip writes one request line and reads one reply line.
func roundTrip(conn net.Conn, req JSONRPCRequest) (JSONRPCResponse, error) {
	var reply JSONRPCResponse
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return reply, fmt.Errorf("failed to send request: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return reply, fmt.Errorf("failed to read response: %w", err)
		}
		return reply, errors.New("connection closed without response")
	}
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return reply, fmt.Errorf("failed to parse response: %w", err)
	}
	return reply, nil
}

// UserCreate registers a user.
func (c *UDSClient) UserCreate(ctx context.Context, params UserCreateParams) (*Response, error) {
	return c.Call(ctx, "user_create", params)
}

// UserRemove removes the user with the given id.
func (c *UDSClient) UserRemove(ctx context.Context, id uint32) (*Response, error) {
	return c.Call(ctx, "user_remove", IDParams{ID: &id})
}

// UserList lists registered users.
func (c *UDSClient) UserList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "user_list", nil)
}

// RuleCreate adds a restriction rule.
func (c *UDSClient) RuleCreate(ctx context.Context, params RuleCreateParams) (*Response, error) {
	return c.Call(ctx, "rule_create", params)
}

// RuleRemove removes the rule with the given id.
func (c *UDSClient) RuleRemove(ctx context.Context, id uint32) (*Response, error) {
	return c.Call(ctx, "rule_remove", IDParams{ID: &id})
}

// RuleList lists active rules.
func (c *UDSClient) RuleList(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "rule_list", nil)
}

// RelayStart starts the relay; an empty protocol uses the daemon default.
func (c *UDSClient) RelayStart(ctx context.Context, protocol string) (*Response, error) {
	return c.Call(ctx, "relay_start", RelayStartParams{Protocol: protocol})
}

// RelayStop stops the relay.
func (c *UDSClient) RelayStop(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "relay_stop", nil)
}

// RelayStatus reports the relay state.
func (c *UDSClient) RelayStatus(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "relay_status", nil)
}

// ConfigReload is a convenience method for config_reload command.
func (c *UDSClient) ConfigReload(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "config_reload", nil)
}

// DaemonStatus reports version, uptime and relay state.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_status", nil)
}

// DaemonShutdown asks the daemon to stop.
func (c *UDSClient) DaemonShutdown(ctx context.Context) (*Response, error) {
	return c.Call(ctx, "daemon_shutdown", nil)
}

// Ping checks that the daemon is alive.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}
