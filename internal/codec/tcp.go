package codec

import (
	"encoding/binary"
	"net/netip"
	"strings"
)

// Flags is the TCP control bit set.
type Flags uint8

const (
	FIN Flags = 0x01
	SYN Flags = 0x02
	RST Flags = 0x04
	PSH Flags = 0x08
	ACK Flags = 0x10
	URG Flags = 0x20

	flagMask = 0x3F
)

// Has reports whether every bit of want is set.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		flag Flags
		name string
	}{{FIN, "FIN"}, {SYN, "SYN"}, {RST, "RST"}, {PSH, "PSH"}, {ACK, "ACK"}, {URG, "URG"}}
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

const (
	TCPHeaderLen = 20

	// dataOffsetWords is the header length in 32-bit words (no options).
	dataOffsetWords = 5

	tcpChecksumOffset = 18
)

// Segment is a TCP segment in the relay's fixed 20-byte header layout:
//
//	srcPort:16 dstPort:16 seq:32 ack:32
//	dataOffset|reserved:8 extraFlags:8 flags:16 window:16 checksum:16
type Segment struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8
	Reserved   uint8
	Flags      Flags
	Checksum   uint16
	Payload    []byte
}

// Marshal encodes s keyed (local, dst). DataOffset, Reserved and Checksum are
// ignored on input; the offset is always 5 and the checksum is computed.
func (s Segment) Marshal(local, dst netip.Addr) []byte {
	b := make([]byte, TCPHeaderLen+len(s.Payload))
	s.putHeader(b, 0)
	copy(b[TCPHeaderLen:], s.Payload)

	sum := Checksum(ProtocolTCP, local, dst, b)
	s.putHeader(b, sum)
	return b
}

func (s Segment) putHeader(b []byte, checksum uint16) {
	binary.BigEndian.PutUint16(b[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], s.DstPort)
	binary.BigEndian.PutUint32(b[4:8], s.Seq)
	binary.BigEndian.PutUint32(b[8:12], s.Ack)
	b[12] = dataOffsetWords << 4
	b[13] = 0
	binary.BigEndian.PutUint16(b[14:16], uint16(s.Flags&flagMask))
	binary.BigEndian.PutUint16(b[16:18], 0)
	binary.BigEndian.PutUint16(b[18:20], checksum)
}

// DecodeTCP strips the IPv4 header of a received frame and parses the TCP
// header. Bytes after offset 40 of the frame are payload.
func DecodeTCP(frame []byte) (Segment, error) {
	seg, err := stripIPv4(frame, TCPHeaderLen)
	if err != nil {
		return Segment{}, err
	}
	return Segment{
		SrcPort:    binary.BigEndian.Uint16(seg[0:2]),
		DstPort:    binary.BigEndian.Uint16(seg[2:4]),
		Seq:        binary.BigEndian.Uint32(seg[4:8]),
		Ack:        binary.BigEndian.Uint32(seg[8:12]),
		DataOffset: seg[12] >> 4,
		Reserved:   seg[12] & 0x03,
		Flags:      Flags(binary.BigEndian.Uint16(seg[14:16]) & flagMask),
		Checksum:   binary.BigEndian.Uint16(seg[18:20]),
		Payload:    seg[TCPHeaderLen:],
	}, nil
}

// VerifyTCP reports whether the checksum of a received frame is intact,
// recomputed keyed (sender, local).
func VerifyTCP(sender, local netip.Addr, frame []byte) bool {
	seg, err := stripIPv4(frame, TCPHeaderLen)
	if err != nil {
		return false
	}
	return verify(ProtocolTCP, sender, local, seg, tcpChecksumOffset)
}
