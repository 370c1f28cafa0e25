// Package relay ties the user registry, the rule set and a transport into
// the running relay.
package relay

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/log"
	"firestige.xyz/vpnrelay/internal/metrics"
	"firestige.xyz/vpnrelay/internal/transport"
)

// TransportFactory builds the transport for a protocol name.
type TransportFactory func(protocol string) (transport.Transport, error)

// NewTransportFactory returns a factory building transports from cfg.
func NewTransportFactory(cfg transport.Config) TransportFactory {
	return func(protocol string) (transport.Transport, error) {
		return transport.New(protocol, cfg)
	}
}

// Status is a snapshot of the relay lifecycle.
type Status struct {
	Running  bool      `json:"running"`
	Protocol string    `json:"protocol,omitempty"`
	Since    time.Time `json:"since,omitzero"`
	// Handled counts decoded requests since the relay was created.
	Handled uint64 `json:"handled"`
}

// Relay owns the running transport and the worker consuming it. One
// request is handled at a time. The transport can only be replaced while
// the relay is stopped.
type Relay struct {
	users        Authenticator
	rules        RuleEvaluator
	newTransport TransportFactory
	logger       log.Logger

	mu        sync.Mutex
	running   bool
	protocol  string
	since     time.Time
	transport transport.Transport
	cancel    context.CancelFunc
	done      chan struct{}

	handled atomic.Uint64
}

func New(users Authenticator, rules RuleEvaluator, factory TransportFactory, logger log.Logger) *Relay {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Relay{
		users:        users,
		rules:        rules,
		newTransport: factory,
		logger:       logger,
	}
}

// Start opens a transport for protocol and starts the worker. Starting a
// running relay returns core.ErrAlreadyRunning and changes nothing.
func (r *Relay) Start(protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("relay on %s: %w", r.protocol, core.ErrAlreadyRunning)
	}

	t, err := r.newTransport(protocol)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	seq, err := t.Run(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("start %s transport: %w", protocol, err)
	}

	r.running = true
	r.protocol = t.Protocol()
	r.since = time.Now()
	r.transport = t
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.work(seq, NewDispatcher(r.users, r.rules, t, r.logger), r.done)

	metrics.RelayStatus.WithLabelValues(r.protocol).Set(metrics.RelayStatusRunning)
	r.logger.WithField("protocol", r.protocol).Info("relay started")
	return nil
}

// Stop signals the worker, closes the transport and waits for the worker to
// finish its current request. The wait is bounded by one listen budget.
// Stopping a stopped relay returns core.ErrNotRunning.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return core.ErrNotRunning
	}

	r.cancel()
	err := r.transport.Stop()
	<-r.done

	metrics.RelayStatus.WithLabelValues(r.protocol).Set(metrics.RelayStatusStopped)
	r.logger.WithField("protocol", r.protocol).Info("relay stopped")

	r.running = false
	r.transport = nil
	r.cancel = nil
	if err != nil {
		return fmt.Errorf("stop %s transport: %w", r.protocol, err)
	}
	return nil
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return Status{Handled: r.handled.Load()}
	}
	return Status{Running: true, Protocol: r.protocol, Since: r.since, Handled: r.handled.Load()}
}

func (r *Relay) work(seq iter.Seq[[]byte], d *Dispatcher, done chan struct{}) {
	defer close(done)
	for payload := range seq {
		req, err := DecodeRequest(payload)
		if err != nil {
			metrics.RequestsTotal.WithLabelValues(metrics.ResultInvalid).Inc()
			r.logger.WithError(err).Debug("discarding malformed request")
			continue
		}
		// rejections and send failures are logged by the dispatcher
		_ = d.HandleRequest(req)
		r.handled.Add(1)
	}
}
