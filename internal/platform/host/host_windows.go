//go:build windows

package host

import (
	"wg-udp-plane/internal/platform"
	platwin "wg-udp-plane/internal/platform/windows"
)

// NewProviders returns the route and socket providers for this OS.
func NewProviders() (platform.RouteProvider, platform.SocketProvider, error) {
	return platwin.NewRouteProvider(), platwin.NewSocketProvider(), nil
}
