//go:build linux

package linux

import (
	"net/netip"
	"unsafe"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"wg-udp-plane/internal/platform"
)

// marshalPktinfo encodes the source binding as an IP_PKTINFO or
// IPV6_PKTINFO control message for transmit. An invalid message yields no
// ancillary data and the kernel picks the source itself.
func marshalPktinfo(family platform.Family, cm platform.ControlMessage) []byte {
	if !cm.Valid() || cm.Family != family {
		return nil
	}
	switch family {
	case platform.FamilyV4:
		m := ipv4.ControlMessage{IfIndex: int(cm.IfIndex)}
		if cm.Src.IsValid() {
			m.Src = cm.Src.Unmap().AsSlice()
		}
		return m.Marshal()
	case platform.FamilyV6:
		m := ipv6.ControlMessage{IfIndex: int(cm.IfIndex)}
		if cm.Src.IsValid() {
			m.Src = cm.Src.AsSlice()
		}
		return m.Marshal()
	}
	return nil
}

// parsePktinfo extracts the family's PKTINFO from received ancillary data.
// The pktinfo address on receive is the datagram's local destination, which
// becomes the source binding for replies.
func parsePktinfo(family platform.Family, oob []byte) platform.ControlMessage {
	if len(oob) == 0 {
		return platform.ControlMessage{}
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return platform.ControlMessage{}
	}
	for _, m := range msgs {
		switch {
		case family == platform.FamilyV4 &&
			m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_PKTINFO &&
			len(m.Data) >= unix.SizeofInet4Pktinfo:
			pi := (*unix.Inet4Pktinfo)(unsafe.Pointer(&m.Data[0]))
			addr := netip.AddrFrom4(pi.Addr)
			if addr.IsUnspecified() {
				addr = netip.AddrFrom4(pi.Spec_dst)
			}
			return platform.ControlMessage{
				Family:  platform.FamilyV4,
				Src:     addr,
				IfIndex: uint32(pi.Ifindex),
			}
		case family == platform.FamilyV6 &&
			m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_PKTINFO &&
			len(m.Data) >= unix.SizeofInet6Pktinfo:
			pi := (*unix.Inet6Pktinfo)(unsafe.Pointer(&m.Data[0]))
			return platform.ControlMessage{
				Family:  platform.FamilyV6,
				Src:     netip.AddrFrom16(pi.Addr),
				IfIndex: pi.Ifindex,
			}
		}
	}
	return platform.ControlMessage{}
}
