package codec

import (
	"encoding/binary"
	"net/netip"
)

const (
	UDPHeaderLen = 8

	udpChecksumOffset = 6
)

// Datagram is a decoded UDP header plus payload.
type Datagram struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	Payload  []byte
}

// EncodeUDP builds a UDP segment. The header is emitted twice: once with a zero
// checksum to compute the real one keyed (src, dst), then with the final value.
func EncodeUDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	seg := make([]byte, UDPHeaderLen+len(payload))
	putUDPHeader(seg, srcPort, dstPort, uint16(len(seg)), 0)
	copy(seg[UDPHeaderLen:], payload)

	sum := Checksum(ProtocolUDP, src, dst, seg)
	putUDPHeader(seg, srcPort, dstPort, uint16(len(seg)), sum)
	return seg
}

func putUDPHeader(b []byte, srcPort, dstPort, length, checksum uint16) {
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], length)
	binary.BigEndian.PutUint16(b[6:8], checksum)
}

// DecodeUDP strips the IPv4 header of a received frame and parses the UDP
// header. Everything after the header is payload.
func DecodeUDP(frame []byte) (Datagram, error) {
	seg, err := stripIPv4(frame, UDPHeaderLen)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{
		SrcPort:  binary.BigEndian.Uint16(seg[0:2]),
		DstPort:  binary.BigEndian.Uint16(seg[2:4]),
		Length:   binary.BigEndian.Uint16(seg[4:6]),
		Checksum: binary.BigEndian.Uint16(seg[6:8]),
		Payload:  seg[UDPHeaderLen:],
	}, nil
}

// VerifyUDP reports whether the checksum of a received frame is intact.
// Short frames never verify.
func VerifyUDP(sender, local netip.Addr, frame []byte) bool {
	seg, err := stripIPv4(frame, UDPHeaderLen)
	if err != nil {
		return false
	}
	return verify(ProtocolUDP, sender, local, seg, udpChecksumOffset)
}
