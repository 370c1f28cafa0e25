package rawsock

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/vpnrelay/internal/codec"
)

// Frame prepends a 20-byte IPv4 header to segment. Lengths and the header
// checksum are filled in.
func Frame(src, dst netip.Addr, proto codec.Protocol, ttl uint8, segment []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocol(proto),
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(segment)); err != nil {
		return nil, fmt.Errorf("serialize ipv4 header: %w", err)
	}
	return buf.Bytes(), nil
}
