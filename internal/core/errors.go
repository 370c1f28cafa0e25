// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with %w and match with errors.Is.
var (
	// Frame decoding errors
	ErrFrameTooShort = errors.New("relay: frame too short")
	ErrNotIPv4       = errors.New("relay: not an ipv4 address")

	// Request errors
	ErrInvalidRequest = errors.New("relay: invalid relay request")
	ErrAuthFailure    = errors.New("relay: user not found")
	ErrRuleBlocked    = errors.New("relay: blocked by rule")

	// Administrative errors
	ErrDuplicateUser = errors.New("relay: user already registered")
	ErrUserNotFound  = errors.New("relay: user id not found")
	ErrRuleNotFound  = errors.New("relay: rule id not found")

	// Transport errors
	ErrHandshakeFailed  = errors.New("relay: tcp handshake failed")
	ErrTransportStopped = errors.New("relay: transport stopped")
	ErrUnknownProtocol  = errors.New("relay: unknown protocol")

	// Lifecycle errors
	ErrAlreadyRunning = errors.New("relay: already started")
	ErrNotRunning     = errors.New("relay: not started")

	// Configuration errors
	ErrConfigInvalid = errors.New("relay: invalid configuration")
)
