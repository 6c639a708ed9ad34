package sock

import (
	"sync"
	"sync/atomic"
)

// Statistics are the device-wide MIB counters this layer maintains.
type Statistics struct {
	OutOctets      atomic.Uint64
	OutUcastOctets atomic.Uint64
	OutUcastPkts   atomic.Uint64
	InDiscards     atomic.Uint64
}

// Device is one tunnel device as seen by the socket layer. The two socket
// pointers are read under sockGuard's read side and replaced only under
// socketMu followed by a grace period.
type Device struct {
	// InterfaceLUID identifies the tunnel's own interface; forwarding
	// entries through it are never used for source resolution.
	InterfaceLUID uint64

	// Owner attributes created sockets to a process where the OS
	// supports that.
	Owner uintptr

	isUp         atomic.Bool
	incomingPort atomic.Uint32

	socketMu     sync.Mutex // serializes socket replacement
	sock4, sock6 atomic.Pointer[Socket]
	sockGuard    graceLock

	Stats Statistics

	// PacketReceive hands a received packet list to the decrypt/dispatch
	// collaborator, which owns the packets until it frees them.
	PacketReceive func(dev *Device, first *Packet)

	// FreeSendPackets releases a send list after completion or on a
	// synchronous send failure.
	FreeSendPackets func(dev *Device, first *Packet)
}

// NewDevice creates a device. It starts down with no sockets; SocketInit
// gives it its socket pair.
func NewDevice(interfaceLUID uint64, owner uintptr) *Device {
	return &Device{InterfaceLUID: interfaceLUID, Owner: owner}
}

// SetUp raises or lowers the device. A down device discards everything it
// receives.
func (d *Device) SetUp(up bool) { d.isUp.Store(up) }

// Up reports whether the device is accepting traffic.
func (d *Device) Up() bool { return d.isUp.Load() }

// IncomingPort is the local UDP port the device is listening on, learned
// from the OS at bind time.
func (d *Device) IncomingPort() uint16 { return uint16(d.incomingPort.Load()) }

func (d *Device) deliver(first *Packet) {
	if d.PacketReceive != nil {
		d.PacketReceive(d, first)
		return
	}
	// No collaborator installed; drop the list and release indications.
	for p := first; p != nil; {
		next := p.Next
		p.Free()
		p = next
	}
}

func (d *Device) freeSendPackets(first *Packet) {
	if d.FreeSendPackets != nil {
		d.FreeSendPackets(d, first)
	}
}

// Peer is one remote peer as seen by the socket layer: its endpoint, the
// endpoint lock, and the transmit-byte counter. Hot-path sends take the
// lock shared; endpoint writers take it exclusive.
type Peer struct {
	device *Device

	mu       sync.RWMutex
	endpoint Endpoint

	txBytes atomic.Uint64
}

// NewPeer creates a peer on the device with a cleared endpoint.
func NewPeer(device *Device) *Peer {
	return &Peer{device: device}
}

// Device returns the owning device.
func (p *Peer) Device() *Device { return p.device }

// TxBytes returns the number of payload bytes successfully submitted to the
// peer.
func (p *Peer) TxBytes() uint64 { return p.txBytes.Load() }

// Endpoint returns a snapshot of the peer's endpoint.
func (p *Peer) Endpoint() Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoint
}
