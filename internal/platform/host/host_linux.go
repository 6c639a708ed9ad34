//go:build linux

package host

import (
	"wg-udp-plane/internal/platform"
	"wg-udp-plane/internal/platform/linux"
)

// NewProviders returns the route and socket providers for this OS.
func NewProviders() (platform.RouteProvider, platform.SocketProvider, error) {
	return linux.NewRouteProvider(), linux.NewSocketProvider(), nil
}
