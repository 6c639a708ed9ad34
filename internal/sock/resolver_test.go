package sock

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"wg-udp-plane/internal/platform"
)

func newResolvePeer(s *Stack, dev *Device, remote string) *Peer {
	peer := NewPeer(dev)
	s.SetEndpoint(peer, &Endpoint{Remote: mustAddrPort(remote)})
	return peer
}

func TestResolveSourceBasic(t *testing.T) {
	s, _, routes, dev := newTestStack(t)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	ep, err := s.ResolveEndpoint(peer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.SrcIfIndex != 7 {
		t.Errorf("SrcIfIndex = %d, want 7", ep.SrcIfIndex)
	}
	if ep.Src != netip.MustParseAddr("198.51.100.10") {
		t.Errorf("Src = %v", ep.Src)
	}
	if ep.RoutingGen != s.RoutingGeneration(platform.FamilyV4) {
		t.Errorf("RoutingGen = %d, want %d", ep.RoutingGen, s.RoutingGeneration(platform.FamilyV4))
	}
	if ep.SrcCmsg.Family != platform.FamilyV4 || ep.SrcCmsg.IfIndex != 7 {
		t.Errorf("control message template %+v", ep.SrcCmsg)
	}
	if routes.tableCalls != 1 {
		t.Errorf("tableCalls = %d, want 1", routes.tableCalls)
	}
}

func TestResolveSourceCaches(t *testing.T) {
	s, _, routes, dev := newTestStack(t)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	for i := 0; i < 3; i++ {
		if _, err := s.ResolveEndpoint(peer); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if routes.tableCalls != 1 {
		t.Errorf("tableCalls = %d, want 1 (cached binding reused)", routes.tableCalls)
	}
}

func TestResolveSourceRouteChangeInvalidates(t *testing.T) {
	s, _, routes, dev := newTestStack(t)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	if _, err := s.ResolveEndpoint(peer); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	genBefore := peer.Endpoint().RoutingGen

	routes.routeChanged(platform.FamilyV4)

	ep, err := s.ResolveEndpoint(peer)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if routes.tableCalls != 2 {
		t.Errorf("tableCalls = %d, want 2 (stale binding re-resolved)", routes.tableCalls)
	}
	if ep.RoutingGen == genBefore {
		t.Errorf("RoutingGen unchanged at %d after route change", ep.RoutingGen)
	}
	if ep.RoutingGen != s.RoutingGeneration(platform.FamilyV4) {
		t.Errorf("RoutingGen = %d, want current %d", ep.RoutingGen, s.RoutingGeneration(platform.FamilyV4))
	}
}

func TestResolveSourceV6RouteChangeLeavesV4Alone(t *testing.T) {
	s, _, routes, dev := newTestStack(t)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	if _, err := s.ResolveEndpoint(peer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	routes.routeChanged(platform.FamilyV6)
	if _, err := s.ResolveEndpoint(peer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if routes.tableCalls != 1 {
		t.Errorf("tableCalls = %d, want 1 (v6 change must not invalidate v4)", routes.tableCalls)
	}
}

func TestResolveSourceSkipsOwnInterface(t *testing.T) {
	routes := newFakeRoutes()
	routes.addRow(platform.FamilyV4, 9999, 3, "0.0.0.0/0", 1)
	s := NewStack(newFakeSockets(), routes)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	dev := NewDevice(9999, 0) // same LUID as the only route
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	if _, err := s.ResolveEndpoint(peer); !errors.Is(err, ErrUnreachableAddress) {
		t.Errorf("err = %v, want ErrUnreachableAddress (own-tunnel route skipped)", err)
	}
}

func TestResolveSourceScoring(t *testing.T) {
	routes := newFakeRoutes()
	// Default route, low metric, interface 1.
	routes.addRow(platform.FamilyV4, 100, 1, "0.0.0.0/0", 1)
	// Longer prefix wins over lower metric: interface 2.
	routes.addRow(platform.FamilyV4, 200, 2, "192.0.2.0/24", 50)
	// Same prefix length, higher combined metric: interface 3 loses.
	routes.addRow(platform.FamilyV4, 300, 3, "192.0.2.0/24", 60)
	s := NewStack(newFakeSockets(), routes)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	dev := NewDevice(9999, 0)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	ep, err := s.ResolveEndpoint(peer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.SrcIfIndex != 2 {
		t.Errorf("SrcIfIndex = %d, want 2 (longest prefix, lowest metric)", ep.SrcIfIndex)
	}
}

func TestResolveSourceInterfaceMetricAdds(t *testing.T) {
	routes := newFakeRoutes()
	routes.addRow(platform.FamilyV4, 100, 1, "192.0.2.0/24", 10)
	routes.addRow(platform.FamilyV4, 200, 2, "192.0.2.0/24", 12)
	// Interface 1's own metric pushes its total above interface 2's.
	routes.metrics[100] = 10
	routes.metrics[200] = 1
	s := NewStack(newFakeSockets(), routes)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	dev := NewDevice(9999, 0)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	ep, err := s.ResolveEndpoint(peer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.SrcIfIndex != 2 {
		t.Errorf("SrcIfIndex = %d, want 2 (route+interface metric summed)", ep.SrcIfIndex)
	}
}

func TestResolveSourceSkipsDownAndUnreadable(t *testing.T) {
	routes := newFakeRoutes()
	routes.addRow(platform.FamilyV4, 100, 1, "192.0.2.0/24", 1)
	routes.addRow(platform.FamilyV4, 200, 2, "192.0.2.0/24", 2)
	routes.addRow(platform.FamilyV4, 300, 3, "192.0.2.0/24", 3)
	routes.down[100] = true
	routes.metricErr[200] = true
	s := NewStack(newFakeSockets(), routes)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	dev := NewDevice(9999, 0)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	ep, err := s.ResolveEndpoint(peer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.SrcIfIndex != 3 {
		t.Errorf("SrcIfIndex = %d, want 3 (down and unreadable interfaces skipped)", ep.SrcIfIndex)
	}
}

func TestResolveSourcePrefixMatching(t *testing.T) {
	for _, tc := range []struct {
		name    string
		family  platform.Family
		prefix  string
		remote  string
		matches bool
	}{
		{"v4 zero prefix matches all", platform.FamilyV4, "0.0.0.0/0", "203.0.113.77:1", true},
		{"v6 zero prefix matches all", platform.FamilyV6, "::/0", "[2001:db8:ffff::1]:1", true},
		{"v4 host route exact", platform.FamilyV4, "192.0.2.1/32", "192.0.2.1:1", true},
		{"v4 host route near miss", platform.FamilyV4, "192.0.2.1/32", "192.0.2.2:1", false},
		{"v6 host route exact", platform.FamilyV6, "2001:db8::1/128", "[2001:db8::1]:1", true},
		{"v6 host route near miss", platform.FamilyV6, "2001:db8::1/128", "[2001:db8::2]:1", false},
		{"v4 subnet contains", platform.FamilyV4, "198.51.100.0/25", "198.51.100.5:1", true},
		{"v4 subnet excludes", platform.FamilyV4, "198.51.100.0/25", "198.51.100.200:1", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			routes := newFakeRoutes()
			routes.addRow(tc.family, 100, 1, tc.prefix, 1)
			s := NewStack(newFakeSockets(), routes)
			if err := s.Init(); err != nil {
				t.Fatal(err)
			}
			dev := NewDevice(9999, 0)
			peer := newResolvePeer(s, dev, tc.remote)

			_, err := s.ResolveEndpoint(peer)
			if tc.matches && err != nil {
				t.Errorf("resolve: %v, want match", err)
			}
			if !tc.matches && !errors.Is(err, ErrUnreachableAddress) {
				t.Errorf("err = %v, want ErrUnreachableAddress", err)
			}
		})
	}
}

func TestResolveSourceNoRoutes(t *testing.T) {
	routes := newFakeRoutes()
	s := NewStack(newFakeSockets(), routes)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	dev := NewDevice(9999, 0)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	if _, err := s.ResolveEndpoint(peer); !errors.Is(err, ErrUnreachableAddress) {
		t.Errorf("err = %v, want ErrUnreachableAddress", err)
	}
}

func TestResolveSourceBestSourceFailure(t *testing.T) {
	s, _, routes, dev := newTestStack(t)
	routes.bestSource = func(platform.Family, uint32, netip.Addr) (netip.Addr, error) {
		return netip.Addr{}, fmt.Errorf("no route to host")
	}
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	if _, err := s.ResolveEndpoint(peer); !errors.Is(err, ErrNetworkPath) {
		t.Errorf("err = %v, want ErrNetworkPath", err)
	}
}

func TestResolveSourceAfterClear(t *testing.T) {
	s, _, routes, dev := newTestStack(t)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	if _, err := s.ResolveEndpoint(peer); err != nil {
		t.Fatal(err)
	}
	s.ClearEndpointSrc(peer)
	if _, err := s.ResolveEndpoint(peer); err != nil {
		t.Fatal(err)
	}
	if routes.tableCalls != 2 {
		t.Errorf("tableCalls = %d, want 2 (clear must force re-resolution)", routes.tableCalls)
	}
}

func TestResolveSourceRestartsOnGenerationRace(t *testing.T) {
	s, _, routes, dev := newTestStack(t)
	peer := newResolvePeer(s, dev, "192.0.2.1:51820")

	// A writer slips in while the resolver is off the lock querying the
	// OS; the stale lookup must be discarded and retried.
	raced := false
	routes.bestSource = func(platform.Family, uint32, netip.Addr) (netip.Addr, error) {
		if !raced {
			raced = true
			e := Endpoint{Remote: mustAddrPort("192.0.2.1:51820"), Src: netip.MustParseAddr("203.0.113.9"), SrcIfIndex: 42}
			s.SetEndpoint(peer, &e)
		}
		return netip.MustParseAddr("198.51.100.10"), nil
	}

	ep, err := s.ResolveEndpoint(peer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if routes.bestSourceCalls != 2 {
		t.Errorf("bestSourceCalls = %d, want 2 (restart after update-generation mismatch)", routes.bestSourceCalls)
	}
	if ep.SrcIfIndex != 7 {
		t.Errorf("SrcIfIndex = %d, want 7 from the retried lookup", ep.SrcIfIndex)
	}
}

func TestResolveSourceFamilylessEndpoint(t *testing.T) {
	s, _, _, dev := newTestStack(t)
	peer := NewPeer(dev)

	if _, err := s.ResolveEndpoint(peer); !errors.Is(err, ErrUnreachableAddress) {
		t.Errorf("err = %v, want ErrUnreachableAddress for endpoint without family", err)
	}
}
