package sock

import (
	"fmt"
	"net/netip"
	"sync"

	"wg-udp-plane/internal/platform"
)

// fakeRoutes is an in-memory RouteProvider with injectable behavior.
type fakeRoutes struct {
	mu         sync.Mutex
	rows       map[platform.Family][]platform.ForwardRow
	down       map[uint64]bool
	metricErr  map[uint64]bool
	metrics    map[uint64]uint32
	bestSource func(family platform.Family, ifIndex uint32, remote netip.Addr) (netip.Addr, error)

	tableCalls      int
	bestSourceCalls int
	subs            map[platform.Family]func()
}

func newFakeRoutes() *fakeRoutes {
	return &fakeRoutes{
		rows:      make(map[platform.Family][]platform.ForwardRow),
		down:      make(map[uint64]bool),
		metricErr: make(map[uint64]bool),
		metrics:   make(map[uint64]uint32),
		subs:      make(map[platform.Family]func()),
	}
}

func (f *fakeRoutes) addRow(family platform.Family, luid uint64, ifIndex uint32, prefix string, metric uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[family] = append(f.rows[family], platform.ForwardRow{
		LUID:    luid,
		IfIndex: ifIndex,
		Prefix:  netip.MustParsePrefix(prefix),
		Metric:  metric,
	})
}

func (f *fakeRoutes) ForwardTable(family platform.Family) ([]platform.ForwardRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableCalls++
	return append([]platform.ForwardRow(nil), f.rows[family]...), nil
}

func (f *fakeRoutes) InterfaceUp(luid uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down[luid], nil
}

func (f *fakeRoutes) InterfaceMetric(_ platform.Family, luid uint64) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metricErr[luid] {
		return 0, fmt.Errorf("no metadata for luid %d", luid)
	}
	return f.metrics[luid], nil
}

func (f *fakeRoutes) BestSource(family platform.Family, ifIndex uint32, remote netip.Addr) (netip.Addr, error) {
	f.mu.Lock()
	f.bestSourceCalls++
	hook := f.bestSource
	f.mu.Unlock()
	if hook != nil {
		return hook(family, ifIndex, remote)
	}
	if family == platform.FamilyV6 {
		return netip.MustParseAddr("2001:db8::10"), nil
	}
	return netip.MustParseAddr("198.51.100.10"), nil
}

func (f *fakeRoutes) SubscribeRouteChanges(family platform.Family, fn func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[family] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, family)
	}, nil
}

// routeChanged fires the subscribed notification as the OS would.
func (f *fakeRoutes) routeChanged(family platform.Family) {
	f.mu.Lock()
	fn := f.subs[family]
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeSockets is an in-memory SocketProvider. Sends complete synchronously
// unless manual completion is enabled.
type fakeSockets struct {
	mu       sync.Mutex
	has4     bool
	has6     bool
	hasBatch bool
	manual   bool // hold completions until completePending

	openHook func(family platform.Family, laddr netip.AddrPort) error
	nextPort uint16

	opened  []*fakeSocket
	pending []platform.Completion
}

func newFakeSockets() *fakeSockets {
	return &fakeSockets{has4: true, has6: true, hasBatch: true, nextPort: 40000}
}

func (f *fakeSockets) Transports() (bool, bool, error) { return f.has4, f.has6, nil }

func (f *fakeSockets) HasBatchSend() bool { return f.hasBatch }

func (f *fakeSockets) Open(family platform.Family, laddr netip.AddrPort, opts platform.SocketOptions, _ uintptr, recv platform.ReceiveFunc) (platform.ProviderSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openHook != nil {
		if err := f.openHook(family, laddr); err != nil {
			return nil, err
		}
	}
	port := laddr.Port()
	if port == 0 {
		f.nextPort++
		port = f.nextPort
	}
	sk := &fakeSocket{
		provider: f,
		family:   family,
		opts:     opts,
		local:    netip.AddrPortFrom(laddr.Addr(), port),
		recv:     recv,
	}
	f.opened = append(f.opened, sk)
	return sk, nil
}

func (f *fakeSockets) complete(done platform.Completion) {
	f.mu.Lock()
	manual := f.manual
	if manual {
		f.pending = append(f.pending, done)
	}
	f.mu.Unlock()
	if !manual {
		done(nil)
	}
}

// completePending fires all held completions in submission order.
func (f *fakeSockets) completePending() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, done := range pending {
		done(nil)
	}
}

func (f *fakeSockets) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

type fakeSend struct {
	bufs    [][]byte
	remote  netip.AddrPort
	cm      platform.ControlMessage
	batched bool
}

type fakeSocket struct {
	provider *fakeSockets
	family   platform.Family
	opts     platform.SocketOptions
	local    netip.AddrPort
	recv     platform.ReceiveFunc

	mu       sync.Mutex
	sends    []fakeSend
	sendHook func(buf []byte) error
	closed   bool
}

func (sk *fakeSocket) LocalAddr() netip.AddrPort { return sk.local }

func (sk *fakeSocket) Send(buf []byte, remote netip.AddrPort, cm platform.ControlMessage, done platform.Completion) error {
	sk.mu.Lock()
	if sk.sendHook != nil {
		if err := sk.sendHook(buf); err != nil {
			sk.mu.Unlock()
			return err
		}
	}
	sk.sends = append(sk.sends, fakeSend{bufs: [][]byte{buf}, remote: remote, cm: cm})
	sk.mu.Unlock()
	sk.provider.complete(done)
	return nil
}

func (sk *fakeSocket) SendBatch(bufs [][]byte, remote netip.AddrPort, cm platform.ControlMessage, done platform.Completion) error {
	sk.mu.Lock()
	if sk.sendHook != nil {
		for _, buf := range bufs {
			if err := sk.sendHook(buf); err != nil {
				sk.mu.Unlock()
				return err
			}
		}
	}
	sk.sends = append(sk.sends, fakeSend{bufs: bufs, remote: remote, cm: cm, batched: true})
	sk.mu.Unlock()
	sk.provider.complete(done)
	return nil
}

func (sk *fakeSocket) Close() error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	sk.closed = true
	return nil
}

func (sk *fakeSocket) sendCount() int {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return len(sk.sends)
}

func (sk *fakeSocket) lastSend() fakeSend {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.sends[len(sk.sends)-1]
}

func (sk *fakeSocket) isClosed() bool {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.closed
}

// newTestStack wires a stack with fresh fakes, initialized, plus a device
// with a default route out of interface 7.
func newTestStack(t interface{ Fatalf(string, ...any) }) (*Stack, *fakeSockets, *fakeRoutes, *Device) {
	routes := newFakeRoutes()
	routes.addRow(platform.FamilyV4, 700, 7, "0.0.0.0/0", 10)
	routes.addRow(platform.FamilyV6, 700, 7, "::/0", 10)
	sockets := newFakeSockets()
	s := NewStack(sockets, routes)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	dev := NewDevice(9999, 0)
	dev.SetUp(true)
	return s, sockets, routes, dev
}

func mustAddrPort(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

// packetList chains payloads into a send list.
func packetList(payloads ...[]byte) *Packet {
	var first, last *Packet
	for _, p := range payloads {
		pkt := NewSendPacket(p)
		if last == nil {
			first = pkt
		} else {
			last.Next = pkt
		}
		last = pkt
	}
	return first
}
