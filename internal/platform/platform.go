package platform

import (
	"errors"
	"net/netip"
)

// ErrAddrInUse is returned (wrapped) by providers when a bind collides with
// an existing socket, so callers can retry wildcard-port binds.
var ErrAddrInUse = errors.New("address already in use")

// Family selects which address family's sockets and routing tables an
// operation applies to.
type Family int

const (
	FamilyNone Family = iota
	FamilyV4
	FamilyV6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "none"
	}
}

// FamilyOf returns the family of addr, or FamilyNone if addr is not valid.
// IPv4-mapped IPv6 addresses count as v4.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyNone
	case addr.Unmap().Is4():
		return FamilyV4
	default:
		return FamilyV6
	}
}

// ForwardRow is one entry of the OS forwarding table, reduced to the fields
// source-address resolution needs.
type ForwardRow struct {
	// LUID identifies the outgoing interface. On Windows this is the
	// NET_LUID value; on Linux the interface index stands in for it.
	LUID    uint64
	IfIndex uint32
	Prefix  netip.Prefix
	Metric  uint32
}

// RouteProvider exposes the OS routing stack: forwarding-table enumeration,
// interface metadata, best-source queries, and change notifications.
type RouteProvider interface {
	// ForwardTable returns the forwarding table for one address family.
	ForwardTable(family Family) ([]ForwardRow, error)

	// InterfaceUp reports whether the interface's operational status is up.
	InterfaceUp(luid uint64) (bool, error)

	// InterfaceMetric returns the per-interface routing metric for the
	// family, added to a route's own metric when scoring candidates.
	InterfaceMetric(family Family, luid uint64) (uint32, error)

	// BestSource asks the OS for the preferred source address when sending
	// to remote out of the interface identified by ifIndex.
	BestSource(family Family, ifIndex uint32, remote netip.Addr) (netip.Addr, error)

	// SubscribeRouteChanges registers fn to run on every routing-table
	// change for the family. The returned cancel function unsubscribes.
	SubscribeRouteChanges(family Family, fn func()) (cancel func(), err error)
}

// ControlMessage is the decoded PKTINFO ancillary data attached to a
// datagram: the source address and egress interface the sender wants the OS
// to use, or, on receive, the local address and arriving interface.
type ControlMessage struct {
	Family  Family
	Src     netip.Addr
	IfIndex uint32
}

// Valid reports whether the control message names a family; providers treat
// an invalid message as "attach no PKTINFO".
func (cm ControlMessage) Valid() bool { return cm.Family != FamilyNone }

// Indication is one received datagram handed up by a provider socket.
// The receiver owns Data until it calls Release.
type Indication struct {
	Data    []byte
	Remote  netip.AddrPort
	Pktinfo ControlMessage
	Release func()
}

// ReceiveFunc accepts a batch of received datagrams. The return value
// reports whether any indication was retained past the call; indications not
// retained have already been released by the callee.
type ReceiveFunc func(batch []*Indication) (retained bool)

// Completion is invoked exactly once when an asynchronous send finishes,
// successfully or not.
type Completion func(err error)

// SocketOptions are applied to a socket between creation and bind.
type SocketOptions struct {
	// NoChecksum disables UDP checksum generation on transmit (v4 only).
	NoChecksum bool
	// V6Only restricts a v6 socket to v6 traffic.
	V6Only bool
	// Pktinfo enables per-datagram PKTINFO delivery on receive.
	Pktinfo bool
}

// ProviderSocket is one bound datagram socket.
//
// Send and SendBatch are asynchronous: a nil return means the datagrams were
// accepted and done will be invoked exactly once; a non-nil return means the
// operation was rejected and done will never be invoked.
type ProviderSocket interface {
	LocalAddr() netip.AddrPort
	Send(buf []byte, remote netip.AddrPort, cm ControlMessage, done Completion) error
	SendBatch(bufs [][]byte, remote netip.AddrPort, cm ControlMessage, done Completion) error
	Close() error
}

// SocketProvider is the OS datagram socket provider binding.
type SocketProvider interface {
	// Transports reports whether the provider can supply UDP datagram
	// transports for each family.
	Transports() (has4, has6 bool, err error)

	// HasBatchSend reports whether SendBatch is backed by a true batched
	// primitive. When false, callers fan out to per-datagram Send.
	HasBatchSend() bool

	// Open creates a datagram socket for the family, applies opts, binds it
	// to laddr, and starts delivering received datagrams to recv. The owner
	// handle attributes the socket to a process where the OS supports that;
	// providers may ignore it.
	Open(family Family, laddr netip.AddrPort, opts SocketOptions, owner uintptr, recv ReceiveFunc) (ProviderSocket, error)
}
