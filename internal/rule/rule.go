// Package rule implements the relay access rules.
package rule

import (
	"fmt"
	"strings"

	"firestige.xyz/vpnrelay/internal/core"
)

// Kind selects what a rule's ScopeID identifies.
type Kind uint8

const (
	// KindUser scopes a rule to one user id.
	KindUser Kind = iota + 1
	// KindVLAN scopes a rule to every user of one VLAN.
	KindVLAN
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindVLAN:
		return "vlan"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps "user" and "vlan" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "user":
		return KindUser, nil
	case "vlan":
		return KindVLAN, nil
	default:
		return 0, fmt.Errorf("unknown rule kind %q (must be user or vlan)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindUser && k != KindVLAN {
		return nil, fmt.Errorf("unknown rule kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Rule denies forwarding to Blocked for the actors in its scope.
type Rule struct {
	ID      uint32              `json:"id"`
	Name    string              `json:"name"`
	Kind    Kind                `json:"kind"`
	Blocked core.NetworkAddress `json:"blocked"`
	ScopeID uint32              `json:"scope_id"`
}

// Blocks reports whether r denies req sent by actor.
func (r Rule) Blocks(actor core.User, req core.RelayRequest) bool {
	var inScope bool
	switch r.Kind {
	case KindUser:
		inScope = actor.ID == r.ScopeID
	case KindVLAN:
		inScope = actor.VLANID == r.ScopeID
	}
	return inScope && req.Destination == r.Blocked
}

// Evaluate returns the first rule, in order, that blocks req.
func Evaluate(rules []Rule, actor core.User, req core.RelayRequest) (Rule, bool) {
	for _, r := range rules {
		if r.Blocks(actor, req) {
			return r, true
		}
	}
	return Rule{}, false
}
