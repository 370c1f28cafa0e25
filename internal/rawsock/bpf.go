package rawsock

import (
	"golang.org/x/net/bpf"
)

// DstPortFilter compiles a classic BPF program accepting frames whose
// transport destination port equals port. Raw IPv4 sockets hand the filter
// the packet starting at the IP header, so the header length is loaded from
// the IHL nibble before indexing into the transport header.
func DstPortFilter(port uint16) ([]bpf.RawInstruction, error) {
	instructions := []bpf.Instruction{
		// X = 4 * (ip[0] & 0x0f)
		&bpf.LoadMemShift{Off: 0},
		// A = transport[2:4], the destination port for both tcp and udp
		&bpf.LoadIndirect{Off: 2, Size: 2},
		&bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port), SkipFalse: 1},
		&bpf.RetConstant{Val: 65535},
		&bpf.RetConstant{Val: 0},
	}
	return bpf.Assemble(instructions)
}
