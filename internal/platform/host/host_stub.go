//go:build !linux && !windows

package host

import (
	"fmt"
	"runtime"

	"wg-udp-plane/internal/platform"
)

// NewProviders fails on platforms without a provider implementation.
func NewProviders() (platform.RouteProvider, platform.SocketProvider, error) {
	return nil, nil, fmt.Errorf("no route/socket providers for %s", runtime.GOOS)
}
