package sock

import (
	"errors"

	"wg-udp-plane/internal/platform"
)

// Error taxonomy surfaced by this package. Anything the OS providers return
// from create/bind/setsockopt paths is wrapped and surfaced verbatim.
var (
	// ErrInsufficientResources reports allocator or pool exhaustion.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrNetworkUnreachable reports that no socket exists for the required
	// address family at send time.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrUnreachableAddress reports that no forwarding-table entry covers
	// the peer's remote address.
	ErrUnreachableAddress = errors.New("unreachable address")

	// ErrNetworkPath reports that the OS could not produce a source
	// address for the chosen interface.
	ErrNetworkPath = errors.New("bad network path")

	// ErrInvalidAddress reports a received datagram without a supported
	// family or PKTINFO control message.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrAlreadyComplete reports a send call with an empty datagram list.
	ErrAlreadyComplete = errors.New("already complete")

	// ErrAddressInUse reports a bind collision. Handled internally by
	// retry when the requested port was the wildcard.
	ErrAddressInUse = platform.ErrAddrInUse

	// ErrRetry is the sticky-init sentinel meaning "never attempted".
	ErrRetry = errors.New("not attempted")
)
