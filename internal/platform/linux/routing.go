//go:build linux

package linux

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"

	"wg-udp-plane/internal/platform"
)

// RouteProvider reads the kernel routing stack through rtnetlink. Interface
// indexes stand in for LUIDs; Linux has no separate identifier.
type RouteProvider struct{}

// NewRouteProvider returns the netlink-backed route provider.
func NewRouteProvider() *RouteProvider { return &RouteProvider{} }

func nlFamily(f platform.Family) int {
	if f == platform.FamilyV6 {
		return netlink.FAMILY_V6
	}
	return netlink.FAMILY_V4
}

// ForwardTable lists the family's routes from the main table.
func (*RouteProvider) ForwardTable(family platform.Family) ([]platform.ForwardRow, error) {
	routes, err := netlink.RouteListFiltered(nlFamily(family), &netlink.Route{}, 0)
	if err != nil {
		return nil, fmt.Errorf("route list: %w", err)
	}
	rows := make([]platform.ForwardRow, 0, len(routes))
	for _, rt := range routes {
		if rt.LinkIndex <= 0 {
			continue
		}
		prefix, ok := routePrefix(rt, family)
		if !ok {
			continue
		}
		rows = append(rows, platform.ForwardRow{
			LUID:    uint64(rt.LinkIndex),
			IfIndex: uint32(rt.LinkIndex),
			Prefix:  prefix,
			Metric:  uint32(rt.Priority),
		})
	}
	return rows, nil
}

// routePrefix maps a netlink destination to a prefix; a nil destination is
// the default route.
func routePrefix(rt netlink.Route, family platform.Family) (netip.Prefix, bool) {
	if rt.Dst == nil {
		if family == platform.FamilyV6 {
			return netip.PrefixFrom(netip.IPv6Unspecified(), 0), true
		}
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0), true
	}
	addr, ok := netip.AddrFromSlice(rt.Dst.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := rt.Dst.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}

// InterfaceUp reports the link's operational state. Links that never assert
// oper-up (loopback and some virtual devices report "unknown") count as up
// when administratively up.
func (*RouteProvider) InterfaceUp(luid uint64) (bool, error) {
	link, err := netlink.LinkByIndex(int(luid))
	if err != nil {
		return false, fmt.Errorf("link %d: %w", luid, err)
	}
	attrs := link.Attrs()
	switch attrs.OperState {
	case netlink.OperUp:
		return true, nil
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0, nil
	default:
		return false, nil
	}
}

// InterfaceMetric returns 0: Linux expresses preference purely through
// per-route priorities, which ForwardTable already reports.
func (*RouteProvider) InterfaceMetric(platform.Family, uint64) (uint32, error) {
	return 0, nil
}

// BestSource asks the kernel which source address it would pick for remote
// out of the given interface.
func (*RouteProvider) BestSource(family platform.Family, ifIndex uint32, remote netip.Addr) (netip.Addr, error) {
	link, err := netlink.LinkByIndex(int(ifIndex))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("link %d: %w", ifIndex, err)
	}
	routes, err := netlink.RouteGetWithOptions(net.IP(remote.AsSlice()), &netlink.RouteGetOptions{
		Oif: link.Attrs().Name,
	})
	if err != nil {
		return netip.Addr{}, fmt.Errorf("route get %s oif %s: %w", remote, link.Attrs().Name, err)
	}
	for _, rt := range routes {
		if len(rt.Src) == 0 {
			continue
		}
		if addr, ok := netip.AddrFromSlice(rt.Src); ok {
			return addr.Unmap(), nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no source address for %s via ifindex %d", remote, ifIndex)
}

// SubscribeRouteChanges delivers one callback per routing-table mutation in
// the family until cancel is called.
func (*RouteProvider) SubscribeRouteChanges(family platform.Family, fn func()) (func(), error) {
	updates := make(chan netlink.RouteUpdate, 64)
	done := make(chan struct{})
	if err := netlink.RouteSubscribe(updates, done); err != nil {
		return nil, fmt.Errorf("route subscribe: %w", err)
	}
	fam := nlFamily(family)
	go func() {
		for u := range updates {
			if u.Route.Family == fam {
				fn()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
