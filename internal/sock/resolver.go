package sock

import (
	"fmt"

	"wg-udp-plane/internal/platform"
)

// ResolveEndpoint runs source resolution for the peer and returns the
// resulting endpoint snapshot. Diagnostics use this; the send path calls
// resolveSource directly and keeps the shared lock across submission.
func (s *Stack) ResolveEndpoint(peer *Peer) (Endpoint, error) {
	if err := s.resolveSource(peer); err != nil {
		return Endpoint{}, err
	}
	ep := peer.endpoint
	peer.mu.RUnlock()
	return ep, nil
}

// resolveSource computes and caches the best egress interface and source
// address for the peer's remote address. On a nil return the caller holds
// the peer's endpoint lock shared and the cached binding is live; on error
// the lock is released.
//
// The cached binding is reused while its routing generation matches the
// family-wide counter and the interface index is non-zero; a routing-table
// change invalidates it and the next send lands here again.
//
// TODO: cache negative results briefly. A flood of pings with spoofed
// source addresses forces a full forwarding-table scan per pong.
func (s *Stack) resolveSource(peer *Peer) error {
	ep := &peer.endpoint
	for {
		peer.mu.RLock()
		gen := ep.UpdateGen
		fam := ep.Family()
		switch fam {
		case platform.FamilyV4:
			if ep.RoutingGen == uint32(s.gen4.Load()) && ep.SrcIfIndex != 0 {
				return nil
			}
		case platform.FamilyV6:
			if ep.RoutingGen == uint32(s.gen6.Load()) && ep.SrcIfIndex != 0 {
				return nil
			}
		default:
			peer.mu.RUnlock()
			return ErrUnreachableAddress
		}
		remote := ep.Remote.Addr().Unmap()
		ownLUID := peer.device.InterfaceLUID
		peer.mu.RUnlock()

		rows, err := s.routes.ForwardTable(fam)
		if err != nil {
			return fmt.Errorf("forwarding table: %w", err)
		}

		var (
			bestIfIndex uint32
			bestCidr    = -1
			bestMetric  = ^uint32(0)
		)
		for _, row := range rows {
			// Never route tunnel traffic back through our own interface.
			if row.LUID == ownLUID {
				continue
			}
			if row.Prefix.Bits() < bestCidr {
				continue
			}
			if !row.Prefix.Contains(remote) {
				continue
			}
			up, err := s.routes.InterfaceUp(row.LUID)
			if err != nil || !up {
				continue
			}
			ifMetric, err := s.routes.InterfaceMetric(fam, row.LUID)
			if err != nil {
				continue
			}
			metric := row.Metric + ifMetric
			if row.Prefix.Bits() == bestCidr && metric > bestMetric {
				continue
			}
			bestCidr = row.Prefix.Bits()
			bestMetric = metric
			bestIfIndex = row.IfIndex
		}
		if bestIfIndex == 0 {
			return ErrUnreachableAddress
		}

		src, err := s.routes.BestSource(fam, bestIfIndex, remote)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetworkPath, err)
		}

		peer.mu.Lock()
		if ep.UpdateGen != gen {
			// Another writer mutated the endpoint while we were off the
			// lock; our lookup may be stale.
			peer.mu.Unlock()
			continue
		}
		ep.RoutingGen = s.RoutingGeneration(fam)
		ep.Src = src
		ep.SrcIfIndex = bestIfIndex
		ep.SrcCmsg = platform.ControlMessage{Family: fam, Src: src, IfIndex: bestIfIndex}
		ep.UpdateGen++
		gen = ep.UpdateGen
		peer.mu.Unlock()

		peer.mu.RLock()
		if ep.UpdateGen != gen {
			peer.mu.RUnlock()
			continue
		}
		return nil
	}
}
