package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"firestige.xyz/vpnrelay/internal/core"
)

// wireRequest is the JSON record a client sends to the relay. Every field
// is required.
type wireRequest struct {
	User     *string `json:"user"`
	Password *string `json:"password"`
	DestIP   *string `json:"dest_ip"`
	DestPort *uint16 `json:"dest_port"`
	Data     *string `json:"data"`
}

// DecodeRequest parses a relay request payload. Any shape mismatch, unknown
// field, missing field, non IPv4 destination or zero port is reported as
// core.ErrInvalidRequest.
func DecodeRequest(payload []byte) (core.RelayRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return core.RelayRequest{}, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return core.RelayRequest{}, fmt.Errorf("%w: trailing data", core.ErrInvalidRequest)
	}
	if w.User == nil || w.Password == nil || w.DestIP == nil || w.DestPort == nil || w.Data == nil {
		return core.RelayRequest{}, fmt.Errorf("%w: missing field", core.ErrInvalidRequest)
	}
	if *w.DestPort == 0 {
		return core.RelayRequest{}, fmt.Errorf("%w: dest_port is zero", core.ErrInvalidRequest)
	}
	dst, err := core.ParseNetworkAddress(*w.DestIP, *w.DestPort)
	if err != nil {
		return core.RelayRequest{}, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}

	return core.RelayRequest{
		User:        *w.User,
		Password:    *w.Password,
		Destination: dst,
		Payload:     []byte(*w.Data),
	}, nil
}

// EncodeRequest renders req in the format DecodeRequest accepts.
func EncodeRequest(req core.RelayRequest) ([]byte, error) {
	ip := req.Destination.IP.String()
	data := string(req.Payload)
	return json.Marshal(wireRequest{
		User:     &req.User,
		Password: &req.Password,
		DestIP:   &ip,
		DestPort: &req.Destination.Port,
		Data:     &data,
	})
}
