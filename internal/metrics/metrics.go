// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames read by a transport run loop, by outcome
	// (accepted, corrupted, foreign_port, malformed).
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_relay_frames_total",
			Help: "Total number of raw frames received by the relay",
		},
		[]string{"protocol", "result"},
	)

	// ListenerGiveUpsTotal counts listens that exhausted their attempt budget.
	ListenerGiveUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_relay_listener_giveups_total",
			Help: "Total number of listens that ended without a matching segment",
		},
		[]string{"mode"},
	)

	// HandshakeTransitionsTotal counts handshake state entries.
	HandshakeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_relay_handshake_transitions_total",
			Help: "Total number of tcp handshake state transitions",
		},
		[]string{"role", "state"},
	)

	// RequestsTotal counts relay requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_relay_requests_total",
			Help: "Total number of relay requests by outcome",
		},
		[]string{"result"},
	)

	// ForwardedBytesTotal counts payload bytes forwarded to destinations.
	ForwardedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_relay_forwarded_bytes_total",
			Help: "Total number of payload bytes forwarded",
		},
		[]string{"protocol"},
	)

	// DispatchLatencySeconds measures authentication, rule evaluation and forward.
	DispatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpn_relay_dispatch_latency_seconds",
			Help:    "Latency of handling one relay request in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// RelayStatus tracks the relay lifecycle (0=stopped, 1=running).
	RelayStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpn_relay_status",
			Help: "Current relay status (0=stopped, 1=running)",
		},
		[]string{"protocol"},
	)

	// UsersRegistered tracks the size of the user registry.
	UsersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpn_relay_users",
			Help: "Number of registered relay users",
		},
	)

	// RulesActive tracks the size of the rule set.
	RulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpn_relay_rules",
			Help: "Number of active access rules",
		},
	)
)

// Request outcomes used as the RequestsTotal result label.
const (
	ResultForwarded   = "forwarded"
	ResultInvalid     = "invalid"
	ResultAuthFailure = "auth_failure"
	ResultRuleBlocked = "rule_blocked"
	ResultSendError   = "send_error"
)

// Frame outcomes used as the FramesTotal result label.
const (
	FrameAccepted    = "accepted"
	FrameCorrupted   = "corrupted"
	FrameForeignPort = "foreign_port"
	FrameMalformed   = "malformed"
)

// RelayStatusValue represents relay status as a numeric gauge value.
const (
	RelayStatusStopped = 0
	RelayStatusRunning = 1
)
