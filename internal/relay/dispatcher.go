package relay

import (
	"fmt"
	"time"

	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/log"
	"firestige.xyz/vpnrelay/internal/metrics"
	"firestige.xyz/vpnrelay/internal/rule"
)

// Authenticator resolves request credentials to a user.
type Authenticator interface {
	Authenticate(name, password string) (core.User, bool)
}

// RuleEvaluator finds the first rule blocking a request.
type RuleEvaluator interface {
	Evaluate(actor core.User, req core.RelayRequest) (rule.Rule, bool)
}

// Sender forwards a payload to a destination.
type Sender interface {
	Protocol() string
	Send(payload []byte, dst core.NetworkAddress) error
}

// Dispatcher authenticates requests, applies the rules and forwards the
// permitted ones through its transport.
type Dispatcher struct {
	users     Authenticator
	rules     RuleEvaluator
	transport Sender
	logger    log.Logger
}

func NewDispatcher(users Authenticator, rules RuleEvaluator, transport Sender, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Dispatcher{users: users, rules: rules, transport: transport, logger: logger}
}

// HandleRequest forwards req unless authentication fails or a rule blocks
// it. Rejections have no side effect besides the log line.
func (d *Dispatcher) HandleRequest(req core.RelayRequest) error {
	start := time.Now()
	defer func() {
		metrics.DispatchLatencySeconds.Observe(time.Since(start).Seconds())
	}()

	logger := d.logger.WithFields(map[string]interface{}{
		"user": req.User,
		"dst":  req.Destination.String(),
	})

	actor, ok := d.users.Authenticate(req.User, req.Password)
	if !ok {
		metrics.RequestsTotal.WithLabelValues(metrics.ResultAuthFailure).Inc()
		err := fmt.Errorf("%q: %w", req.User, core.ErrAuthFailure)
		logger.WithError(err).Warn("user not found")
		return err
	}

	if r, blocked := d.rules.Evaluate(actor, req); blocked {
		metrics.RequestsTotal.WithLabelValues(metrics.ResultRuleBlocked).Inc()
		logger.WithField("rule", r.Name).Warnf("rule %s blocked", r.Name)
		return fmt.Errorf("rule %q: %w", r.Name, core.ErrRuleBlocked)
	}

	if err := d.transport.Send(req.Payload, req.Destination); err != nil {
		metrics.RequestsTotal.WithLabelValues(metrics.ResultSendError).Inc()
		logger.WithError(err).Error("forward failed")
		return fmt.Errorf("forward to %s: %w", req.Destination, err)
	}

	metrics.RequestsTotal.WithLabelValues(metrics.ResultForwarded).Inc()
	metrics.ForwardedBytesTotal.WithLabelValues(d.transport.Protocol()).Add(float64(len(req.Payload)))
	logger.WithField("length", len(req.Payload)).Info("request forwarded")
	return nil
}
