// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"strconv"
)

// NetworkAddress is an IPv4 address and port pair.
type NetworkAddress struct {
	IP   netip.Addr `json:"ip"`
	Port uint16     `json:"port"`
}

// ParseNetworkAddress parses an IPv4 literal. "localhost" maps to 127.0.0.1.
func ParseNetworkAddress(ip string, port uint16) (NetworkAddress, error) {
	if ip == "localhost" {
		ip = "127.0.0.1"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("parse %q: %w", ip, ErrNotIPv4)
	}
	if !addr.Is4() {
		return NetworkAddress{}, fmt.Errorf("parse %q: %w", ip, ErrNotIPv4)
	}
	return NetworkAddress{IP: addr, Port: port}, nil
}

// String returns ip:port.
func (a NetworkAddress) String() string {
	return a.IP.String() + ":" + strconv.Itoa(int(a.Port))
}

// User is a relay account. ID is a dense index, reassigned on removal.
type User struct {
	ID       uint32 `json:"id"`
	Name     string `json:"user"`
	Password string `json:"password"`
	VLANID   uint32 `json:"id_vlan"`
}

// RelayRequest is a decoded client request asking the relay to forward Payload.
type RelayRequest struct {
	User        string
	Password    string
	Destination NetworkAddress
	Payload     []byte
}
