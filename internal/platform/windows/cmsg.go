//go:build windows

package windows

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"

	"wg-udp-plane/internal/platform"
)

// WSACMSGHDR followed by 8-aligned data, per ws2def.h.
type wsaCmsghdr struct {
	Len   uintptr
	Level int32
	Type  int32
}

type inPktinfo struct {
	Addr    [4]byte
	Ifindex uint32
}

type in6Pktinfo struct {
	Addr    [16]byte
	Ifindex uint32
}

const cmsgHdrSize = int(unsafe.Sizeof(wsaCmsghdr{}))

func cmsgAlign(n int) int { return (n + 7) &^ 7 }

// marshalPktinfo encodes the source binding as an IP_PKTINFO or
// IPV6_PKTINFO control message for WSASendMsg. An invalid message yields no
// ancillary data and winsock picks the source itself.
func marshalPktinfo(family platform.Family, cm platform.ControlMessage) []byte {
	if !cm.Valid() || cm.Family != family {
		return nil
	}
	switch family {
	case platform.FamilyV4:
		buf := make([]byte, cmsgAlign(cmsgHdrSize+int(unsafe.Sizeof(inPktinfo{}))))
		h := (*wsaCmsghdr)(unsafe.Pointer(&buf[0]))
		h.Len = uintptr(cmsgHdrSize) + unsafe.Sizeof(inPktinfo{})
		h.Level = windows.IPPROTO_IP
		h.Type = ipPktinfo
		pi := (*inPktinfo)(unsafe.Pointer(&buf[cmsgHdrSize]))
		if cm.Src.IsValid() {
			pi.Addr = cm.Src.Unmap().As4()
		}
		pi.Ifindex = cm.IfIndex
		return buf
	case platform.FamilyV6:
		buf := make([]byte, cmsgAlign(cmsgHdrSize+int(unsafe.Sizeof(in6Pktinfo{}))))
		h := (*wsaCmsghdr)(unsafe.Pointer(&buf[0]))
		h.Len = uintptr(cmsgHdrSize) + unsafe.Sizeof(in6Pktinfo{})
		h.Level = windows.IPPROTO_IPV6
		h.Type = ipv6Pktinfo
		pi := (*in6Pktinfo)(unsafe.Pointer(&buf[cmsgHdrSize]))
		if cm.Src.IsValid() {
			pi.Addr = cm.Src.As16()
		}
		pi.Ifindex = cm.IfIndex
		return buf
	}
	return nil
}

// parsePktinfo walks the control buffer of a received datagram looking for
// the family's PKTINFO entry.
func parsePktinfo(family platform.Family, control []byte) platform.ControlMessage {
	for off := 0; off+cmsgHdrSize <= len(control); {
		h := (*wsaCmsghdr)(unsafe.Pointer(&control[off]))
		if int(h.Len) < cmsgHdrSize || off+int(h.Len) > len(control) {
			break
		}
		data := control[off+cmsgHdrSize : off+int(h.Len)]
		switch {
		case family == platform.FamilyV4 &&
			h.Level == windows.IPPROTO_IP && h.Type == ipPktinfo &&
			len(data) >= int(unsafe.Sizeof(inPktinfo{})):
			pi := (*inPktinfo)(unsafe.Pointer(&data[0]))
			return platform.ControlMessage{
				Family:  platform.FamilyV4,
				Src:     netip.AddrFrom4(pi.Addr),
				IfIndex: pi.Ifindex,
			}
		case family == platform.FamilyV6 &&
			h.Level == windows.IPPROTO_IPV6 && h.Type == ipv6Pktinfo &&
			len(data) >= int(unsafe.Sizeof(in6Pktinfo{})):
			pi := (*in6Pktinfo)(unsafe.Pointer(&data[0]))
			return platform.ControlMessage{
				Family:  platform.FamilyV6,
				Src:     netip.AddrFrom16(pi.Addr),
				IfIndex: pi.Ifindex,
			}
		}
		off += cmsgAlign(int(h.Len))
	}
	return platform.ControlMessage{}
}
