package sock

import (
	"net/netip"

	"wg-udp-plane/internal/platform"
)

// SetEndpoint replaces the peer's endpoint with e. A family-less e is
// ignored. Writes copy the remote address, the source binding, and the
// supplied routing generation, rebuild the control-message template, and
// bump the update generation.
func (s *Stack) SetEndpoint(peer *Peer, e *Endpoint) {
	// Optimistic unlocked compare first: endpoints rarely change. If two
	// writers race with equal payloads both outcomes are correct; with
	// divergent payloads the last writer wins, which self-corrects on the
	// next packet. Worst case is one redundant lock acquisition.
	if endpointEq(e, &peer.endpoint) {
		return
	}
	fam := e.Family()
	if fam == platform.FamilyNone {
		return
	}
	peer.mu.Lock()
	peer.endpoint.Remote = normalizeAddrPort(e.Remote)
	peer.endpoint.Src = e.Src
	peer.endpoint.SrcIfIndex = e.SrcIfIndex
	peer.endpoint.SrcCmsg = platform.ControlMessage{Family: fam, Src: e.Src, IfIndex: e.SrcIfIndex}
	peer.endpoint.RoutingGen = e.RoutingGen
	peer.endpoint.UpdateGen++
	peer.mu.Unlock()
}

// SetEndpointFromPacket learns the peer's endpoint from a received
// datagram's source address and PKTINFO. Datagrams without a supported
// family or control message are silently ignored.
func (s *Stack) SetEndpointFromPacket(peer *Peer, pkt *Packet) {
	var e Endpoint
	if err := s.EndpointFromPacket(&e, pkt); err == nil {
		s.SetEndpoint(peer, &e)
	}
}

// ClearEndpointSrc drops the peer's cached source binding, forcing the next
// send to re-resolve against the routing table.
func (s *Stack) ClearEndpointSrc(peer *Peer) {
	peer.mu.Lock()
	peer.endpoint.RoutingGen = 0
	peer.endpoint.Src = netip.Addr{}
	peer.endpoint.SrcIfIndex = 0
	peer.endpoint.SrcCmsg = platform.ControlMessage{}
	peer.endpoint.UpdateGen++
	peer.mu.Unlock()
}

// EndpointFromPacket builds an endpoint from a received datagram: remote
// address from the datagram source, source binding from its PKTINFO, and
// the current routing generation. Returns ErrInvalidAddress when the packet
// carries no indication, an unsupported family, or no matching PKTINFO.
func (s *Stack) EndpointFromPacket(e *Endpoint, pkt *Packet) error {
	*e = Endpoint{}
	ind := pkt.ind
	if ind == nil {
		return ErrInvalidAddress
	}
	remote := normalizeAddrPort(ind.Remote)
	fam := platform.FamilyOf(remote.Addr())
	if fam == platform.FamilyNone || ind.Pktinfo.Family != fam {
		return ErrInvalidAddress
	}
	e.Remote = remote
	e.Src = ind.Pktinfo.Src
	e.SrcIfIndex = ind.Pktinfo.IfIndex
	e.SrcCmsg = platform.ControlMessage{Family: fam, Src: ind.Pktinfo.Src, IfIndex: ind.Pktinfo.IfIndex}
	e.RoutingGen = s.RoutingGeneration(fam)
	return nil
}
