package codec

import (
	"encoding/binary"
	"net/netip"
)

const pseudoHeaderLen = 12

// Checksum computes the one's-complement transport checksum over a 12-byte
// pseudo-header followed by segment:
//
//	src ip (4) | dst ip (4) | zero (1) | protocol (1) | segment length (2)
//
// The checksum field inside segment must be zero. On send the key is
// (local, destination); on receive it is (sender, local).
func Checksum(proto Protocol, src, dst netip.Addr, segment []byte) uint16 {
	var pseudo [pseudoHeaderLen]byte
	s4, d4 := src.As4(), dst.As4()
	copy(pseudo[0:4], s4[:])
	copy(pseudo[4:8], d4[:])
	pseudo[8] = 0
	pseudo[9] = byte(proto)
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	sum := sumWords(0, pseudo[:])
	sum = sumWords(sum, segment)
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// sumWords adds b as big-endian 16-bit words. A trailing odd byte is the high
// byte of a final word.
func sumWords(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
		// fold eagerly so very long segments never overflow
		if sum > 0xFFFF0000 {
			sum = (sum & 0xFFFF) + (sum >> 16)
		}
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// verify recomputes the checksum of segment with the field at offset zeroed.
func verify(proto Protocol, sender, local netip.Addr, segment []byte, offset int) bool {
	transmitted := binary.BigEndian.Uint16(segment[offset : offset+2])
	zeroed := make([]byte, len(segment))
	copy(zeroed, segment)
	zeroed[offset], zeroed[offset+1] = 0, 0
	return Checksum(proto, sender, local, zeroed) == transmitted
}
