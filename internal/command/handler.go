// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/log"
	"firestige.xyz/vpnrelay/internal/metrics"
	"firestige.xyz/vpnrelay/internal/relay"
	"firestige.xyz/vpnrelay/internal/rule"
)

// Version is reported by daemon_status.
const Version = "0.1.0"

// UserRegistry is the user administration surface.
type UserRegistry interface {
	Create(name, password string, vlan uint32) (core.User, error)
	Remove(id uint32) error
	List() []core.User
}

// RuleSet is the rule administration surface.
type RuleSet interface {
	Add(r rule.Rule) rule.Rule
	Remove(id uint32) error
	List() []rule.Rule
}

// RelayController starts and stops the relay.
type RelayController interface {
	Start(protocol string) error
	Stop() error
	Status() relay.Status
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	users          UserRegistry
	rules          RuleSet
	relay          RelayController
	configReloader ConfigReloader
	startTime      int64 // Unix timestamp of daemon start for uptime calc

	mu              sync.RWMutex
	shutdownFunc    func() // Called by daemon_shutdown to trigger graceful stop
	defaultProtocol string // used by relay_start without a protocol
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(users UserRegistry, rules RuleSet, relay RelayController, reloader ConfigReloader) *CommandHandler {
	return &CommandHandler{
		users:           users,
		rules:           rules,
		relay:           relay,
		configReloader:  reloader,
		startTime:       time.Now().Unix(),
		defaultProtocol: "udp",
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFunc = fn
}

// SetDefaultProtocol sets the protocol relay_start uses when none is given.
// Safe to call while commands are being handled.
func (h *CommandHandler) SetDefaultProtocol(protocol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultProtocol = protocol
}

// DefaultProtocol returns the protocol relay_start falls back to.
func (h *CommandHandler) DefaultProtocol() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.defaultProtocol
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "user_create", "relay_start"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
	ErrCodeConflict       = -32000 // Resource already exists
	ErrCodeNotFound       = -32001 // Resource does not exist
)

func errorResponse(id string, code int, format string, args ...interface{}) Response {
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

func decodeParams(cmd Command, v interface{}) *Response {
	if len(cmd.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		resp := errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
		return &resp
	}
	return nil
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]interface{}{
		"method": cmd.Method,
		"id":     cmd.ID,
	}).Info("handling command")

	switch cmd.Method {
	case "user_create":
		return h.handleUserCreate(ctx, cmd)
	case "user_remove":
		return h.handleUserRemove(ctx, cmd)
	case "user_list":
		return h.handleUserList(ctx, cmd)
	case "rule_create":
		return h.handleRuleCreate(ctx, cmd)
	case "rule_remove":
		return h.handleRuleRemove(ctx, cmd)
	case "rule_list":
		return h.handleRuleList(ctx, cmd)
	case "relay_start":
		return h.handleRelayStart(ctx, cmd)
	case "relay_stop":
		return h.handleRelayStop(ctx, cmd)
	case "relay_status":
		return h.handleRelayStatus(ctx, cmd)
	case "config_reload":
		return h.handleConfigReload(ctx, cmd)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(ctx, cmd)
	case "daemon_status":
		return h.handleDaemonStatus(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// ─── Users ───

// UserCreateParams represents parameters for user_create.
type UserCreateParams struct {
	User     string `json:"user"`
	Password string `json:"password"`
	VLANID   uint32 `json:"vlan_id"`
}

// UserView is a user as reported by user_list; the password is withheld.
type UserView struct {
	ID     uint32 `json:"id"`
	User   string `json:"user"`
	VLANID uint32 `json:"vlan_id"`
}

func viewOf(u core.User) UserView {
	return UserView{ID: u.ID, User: u.Name, VLANID: u.VLANID}
}

func (h *CommandHandler) handleUserCreate(_ context.Context, cmd Command) Response {
	var params UserCreateParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.User == "" {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "user is required")
	}

	u, err := h.users.Create(params.User, params.Password, params.VLANID)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateUser) {
			return errorResponse(cmd.ID, ErrCodeConflict, "user already registered: %s", params.User)
		}
		return errorResponse(cmd.ID, ErrCodeInternalError, "create user failed: %v", err)
	}

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"user":   viewOf(u),
			"status": "registered",
		},
	}
}

// IDParams carries the id of the user or rule to remove.
type IDParams struct {
	ID *uint32 `json:"id"`
}

func (h *CommandHandler) handleUserRemove(_ context.Context, cmd Command) Response {
	var params IDParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.ID == nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "id is required")
	}

	if err := h.users.Remove(*params.ID); err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			return errorResponse(cmd.ID, ErrCodeNotFound, "user not found: %d", *params.ID)
		}
		return errorResponse(cmd.ID, ErrCodeInternalError, "remove user failed: %v", err)
	}

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"id":     *params.ID,
			"status": "removed",
		},
	}
}

func (h *CommandHandler) handleUserList(_ context.Context, cmd Command) Response {
	users := h.users.List()
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, viewOf(u))
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"users": views,
			"count": len(views),
		},
	}
}

// ─── Rules ───

// RuleCreateParams represents parameters for rule_create.
type RuleCreateParams struct {
	Kind     string `json:"kind"` // user | vlan
	Name     string `json:"name"`
	ScopeID  uint32 `json:"scope_id"`
	DestIP   string `json:"dest_ip"`
	DestPort uint16 `json:"dest_port"`
}

// Rule converts the params into a rule without an id.
func (p RuleCreateParams) Rule() (rule.Rule, error) {
	kind, err := rule.ParseKind(p.Kind)
	if err != nil {
		return rule.Rule{}, err
	}
	if p.Name == "" {
		return rule.Rule{}, fmt.Errorf("name is required")
	}
	dst, err := core.ParseNetworkAddress(p.DestIP, p.DestPort)
	if err != nil {
		return rule.Rule{}, err
	}
	return rule.Rule{Name: p.Name, Kind: kind, ScopeID: p.ScopeID, Blocked: dst}, nil
}

func (h *CommandHandler) handleRuleCreate(_ context.Context, cmd Command) Response {
	var params RuleCreateParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	r, err := params.Rule()
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid rule: %v", err)
	}

	r = h.rules.Add(r)
	metrics.RulesActive.Set(float64(len(h.rules.List())))
	log.GetLogger().WithFields(map[string]interface{}{
		"rule": r.Name,
		"kind": r.Kind.String(),
		"dst":  r.Blocked.String(),
	}).Info("rule added")

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"rule":   r,
			"status": "added",
		},
	}
}

func (h *CommandHandler) handleRuleRemove(_ context.Context, cmd Command) Response {
	var params IDParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	if params.ID == nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "id is required")
	}

	if err := h.rules.Remove(*params.ID); err != nil {
		if errors.Is(err, core.ErrRuleNotFound) {
			return errorResponse(cmd.ID, ErrCodeNotFound, "rule not found: %d", *params.ID)
		}
		return errorResponse(cmd.ID, ErrCodeInternalError, "remove rule failed: %v", err)
	}
	metrics.RulesActive.Set(float64(len(h.rules.List())))

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"id":     *params.ID,
			"status": "removed",
		},
	}
}

func (h *CommandHandler) handleRuleList(_ context.Context, cmd Command) Response {
	rules := h.rules.List()
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"rules": rules,
			"count": len(rules),
		},
	}
}

// ─── Relay ───

// RelayStartParams represents parameters for relay_start (optional).
type RelayStartParams struct {
	Protocol string `json:"protocol,omitempty"` // tcp | udp
}

// handleRelayStart is idempotent: starting a running relay succeeds with a
// message.
func (h *CommandHandler) handleRelayStart(_ context.Context, cmd Command) Response {
	var params RelayStartParams
	if resp := decodeParams(cmd, &params); resp != nil {
		return *resp
	}
	protocol := params.Protocol
	if protocol == "" {
		protocol = h.DefaultProtocol()
	}

	err := h.relay.Start(protocol)
	switch {
	case err == nil:
		return Response{
			ID: cmd.ID,
			Result: map[string]interface{}{
				"protocol": protocol,
				"status":   "started",
			},
		}
	case errors.Is(err, core.ErrAlreadyRunning):
		return Response{
			ID: cmd.ID,
			Result: map[string]interface{}{
				"protocol": h.relay.Status().Protocol,
				"status":   "running",
				"message":  "relay already started",
			},
		}
	case errors.Is(err, core.ErrUnknownProtocol):
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "unknown protocol %q (must be tcp or udp)", protocol)
	default:
		return errorResponse(cmd.ID, ErrCodeInternalError, "start relay failed: %v", err)
	}
}

// handleRelayStop is idempotent: stopping a stopped relay succeeds with a
// message.
func (h *CommandHandler) handleRelayStop(_ context.Context, cmd Command) Response {
	err := h.relay.Stop()
	switch {
	case err == nil:
		return Response{
			ID: cmd.ID,
			Result: map[string]interface{}{
				"status": "stopped",
			},
		}
	case errors.Is(err, core.ErrNotRunning):
		return Response{
			ID: cmd.ID,
			Result: map[string]interface{}{
				"status":  "stopped",
				"message": "relay not started",
			},
		}
	default:
		return errorResponse(cmd.ID, ErrCodeInternalError, "stop relay failed: %v", err)
	}
}

func (h *CommandHandler) handleRelayStatus(_ context.Context, cmd Command) Response {
	return Response{
		ID:     cmd.ID,
		Result: h.relay.Status(),
	}
}

// ─── Daemon ───

func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.configReloader.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "reload config failed: %v", err)
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reloaded",
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	h.mu.RLock()
	shutdown := h.shutdownFunc
	h.mu.RUnlock()
	if shutdown == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	log.GetLogger().Info("daemon_shutdown command received, initiating graceful shutdown")
	go shutdown() // let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"version":    Version,
			"uptime_sec": time.Now().Unix() - h.startTime,
			"relay":      h.relay.Status(),
			"users":      len(h.users.List()),
			"rules":      len(h.rules.List()),
		},
	}
}
