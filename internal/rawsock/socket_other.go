//go:build !linux

package rawsock

import (
	"fmt"
	"runtime"

	"firestige.xyz/vpnrelay/internal/codec"
	"firestige.xyz/vpnrelay/internal/core"
)

// UnixOpener is only functional on linux.
type UnixOpener struct {
	cfg Config
}

// NewOpener creates an Opener that always fails on this platform.
func NewOpener(cfg Config) *UnixOpener {
	return &UnixOpener{cfg: cfg}
}

func (o *UnixOpener) Open(proto codec.Protocol, local core.NetworkAddress, bind bool) (Socket, error) {
	return nil, fmt.Errorf("raw %s sockets are not supported on %s", proto, runtime.GOOS)
}
