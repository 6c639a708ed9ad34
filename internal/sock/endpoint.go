// Package sock owns the pair of datagram sockets all encrypted tunnel
// traffic flows through, and the per-peer endpoint bindings that pin each
// outgoing datagram's source address and egress interface.
package sock

import (
	"net/netip"

	"wg-udp-plane/internal/platform"
)

// Endpoint describes one direction of the UDP conversation with a peer: the
// remote address and port, and the cached source binding the OS should use
// to reach it. The source binding is valid only while its routing generation
// matches the family-wide counter and the interface index is non-zero.
//
// Remote addresses are stored unmapped; a v6 scope rides in the address
// zone. Mutation goes through the Stack's endpoint operations, never
// directly.
type Endpoint struct {
	Remote netip.AddrPort

	// Src and SrcIfIndex are the cached source binding.
	Src        netip.Addr
	SrcIfIndex uint32

	// SrcCmsg is the prebuilt PKTINFO control message referencing the
	// source binding, attached to every outgoing datagram.
	SrcCmsg platform.ControlMessage

	RoutingGen uint32
	UpdateGen  uint32
}

// Family derives the endpoint's address family from its remote address.
func (e *Endpoint) Family() platform.Family {
	return platform.FamilyOf(e.Remote.Addr())
}

// normalizeAddrPort unmaps v4-in-v6 addresses so endpoint equality and
// family dispatch behave the same regardless of how an address arrived.
func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	if !ap.Addr().IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// endpointEq reports whether two endpoints agree on remote address, port,
// scope, and cached source binding. Two family-less endpoints are equal.
func endpointEq(a, b *Endpoint) bool {
	af, bf := a.Family(), b.Family()
	if af != bf {
		return false
	}
	if af == platform.FamilyNone {
		return true
	}
	// netip address equality covers the v6 zone, which carries the scope.
	return a.Remote == b.Remote && a.Src == b.Src && a.SrcIfIndex == b.SrcIfIndex
}
