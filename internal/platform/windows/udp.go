//go:build windows

package windows

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"wg-udp-plane/internal/platform"
)

// Socket options absent from the x/sys/windows const set.
const (
	udpNoChecksum = 1  // UDP_NOCHECKSUM (IPPROTO_UDP level)
	ipPktinfo     = 19 // IP_PKTINFO (IPPROTO_IP level)
	ipv6Pktinfo   = 19 // IPV6_PKTINFO (IPPROTO_IPV6 level)
)

const maxDatagramSize = 65535

// SocketProvider opens winsock datagram sockets. Windows has no user-mode
// batched send, so SendBatch is unsupported and callers fan out.
type SocketProvider struct {
	startup sync.Once
}

// NewSocketProvider returns the winsock datagram socket provider.
func NewSocketProvider() *SocketProvider { return &SocketProvider{} }

func (p *SocketProvider) ensureStartup() {
	p.startup.Do(func() {
		var data windows.WSAData
		windows.WSAStartup(uint32(0x202), &data)
	})
}

// HasBatchSend is false; WSASendMsg sends one datagram per call.
func (*SocketProvider) HasBatchSend() bool { return false }

// Transports probes each family by creating and closing a UDP socket.
func (p *SocketProvider) Transports() (has4, has6 bool, err error) {
	p.ensureStartup()
	return probeTransport(windows.AF_INET), probeTransport(windows.AF_INET6), nil
}

func probeTransport(af int32) bool {
	h, err := windows.WSASocket(af, windows.SOCK_DGRAM, windows.IPPROTO_UDP, nil, 0, 0)
	if err != nil {
		return false
	}
	windows.Closesocket(h)
	return true
}

// Open creates, configures, and binds a datagram socket, then starts the
// receive loop feeding recv. Socket ownership by another process is a
// kernel-mode facility; the owner handle is ignored here.
func (p *SocketProvider) Open(family platform.Family, laddr netip.AddrPort, opts platform.SocketOptions, _ uintptr, recv platform.ReceiveFunc) (platform.ProviderSocket, error) {
	p.ensureStartup()
	af := int32(windows.AF_INET)
	if family == platform.FamilyV6 {
		af = windows.AF_INET6
	}
	h, err := windows.WSASocket(af, windows.SOCK_DGRAM, windows.IPPROTO_UDP, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("WSASocket: %w", err)
	}

	if err := applyOptions(h, family, opts); err != nil {
		windows.Closesocket(h)
		return nil, err
	}

	var sa windows.Sockaddr
	if family == platform.FamilyV6 {
		sa = &windows.SockaddrInet6{Port: int(laddr.Port()), Addr: laddr.Addr().As16()}
	} else {
		sa = &windows.SockaddrInet4{Port: int(laddr.Port()), Addr: laddr.Addr().As4()}
	}
	if err := windows.Bind(h, sa); err != nil {
		windows.Closesocket(h)
		if errors.Is(err, windows.WSAEADDRINUSE) {
			return nil, fmt.Errorf("bind %s: %w", laddr, platform.ErrAddrInUse)
		}
		return nil, fmt.Errorf("bind %s: %w", laddr, err)
	}

	local, err := windows.Getsockname(h)
	if err != nil {
		windows.Closesocket(h)
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	sk := &udpSocket{
		handle:   h,
		family:   family,
		local:    sockaddrLocal(local),
		recv:     recv,
		loopDone: make(chan struct{}),
	}
	go sk.receiveLoop()
	return sk, nil
}

func applyOptions(h windows.Handle, family platform.Family, opts platform.SocketOptions) error {
	if opts.NoChecksum && family == platform.FamilyV4 {
		if err := windows.SetsockoptInt(h, windows.IPPROTO_UDP, udpNoChecksum, 1); err != nil {
			return fmt.Errorf("UDP_NOCHECKSUM: %w", err)
		}
	}
	if opts.V6Only && family == platform.FamilyV6 {
		if err := windows.SetsockoptInt(h, windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
	}
	if opts.Pktinfo {
		level, opt := windows.IPPROTO_IP, ipPktinfo
		if family == platform.FamilyV6 {
			level, opt = windows.IPPROTO_IPV6, ipv6Pktinfo
		}
		if err := windows.SetsockoptInt(h, level, opt, 1); err != nil {
			return fmt.Errorf("PKTINFO: %w", err)
		}
	}
	return nil
}

func sockaddrLocal(sa windows.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *windows.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	}
	return netip.AddrPort{}
}

type udpSocket struct {
	handle windows.Handle
	family platform.Family
	local  netip.AddrPort

	recv     platform.ReceiveFunc
	closed   atomic.Bool
	loopDone chan struct{}
}

func (sk *udpSocket) LocalAddr() netip.AddrPort { return sk.local }

// Send transmits one datagram through WSASendMsg with the PKTINFO control
// message attached. The call is synchronous; done runs before return.
func (sk *udpSocket) Send(buf []byte, remote netip.AddrPort, cm platform.ControlMessage, done platform.Completion) error {
	rsa, rsaLen, err := rawSockaddr(sk.family, remote)
	if err != nil {
		return err
	}
	var dataPtr *byte
	if len(buf) > 0 {
		dataPtr = &buf[0]
	}
	wbuf := windows.WSABuf{Len: uint32(len(buf)), Buf: dataPtr}
	msg := windows.WSAMsg{
		Name:        (*syscall.RawSockaddrAny)(unsafe.Pointer(rsa)),
		Namelen:     rsaLen,
		Buffers:     &wbuf,
		BufferCount: 1,
	}
	control := marshalPktinfo(sk.family, cm)
	if len(control) > 0 {
		msg.Control = windows.WSABuf{Len: uint32(len(control)), Buf: &control[0]}
	}
	var sent uint32
	if err := windows.WSASendMsg(sk.handle, &msg, 0, &sent, nil, nil); err != nil {
		return fmt.Errorf("WSASendMsg: %w", err)
	}
	done(nil)
	return nil
}

// SendBatch is not available in user mode; callers detect this through
// HasBatchSend and fan out to Send.
func (sk *udpSocket) SendBatch([][]byte, netip.AddrPort, platform.ControlMessage, platform.Completion) error {
	return errors.New("batched send not supported")
}

func (sk *udpSocket) Close() error {
	sk.closed.Store(true)
	err := windows.Closesocket(sk.handle)
	<-sk.loopDone
	return err
}

// receiveLoop blocks in WSARecvMsg and hands each datagram up as a
// single-entry indication batch. Buffers are freshly allocated because the
// receiver may retain indications indefinitely.
func (sk *udpSocket) receiveLoop() {
	defer close(sk.loopDone)
	for {
		data := make([]byte, maxDatagramSize)
		control := make([]byte, 64)
		var rsa syscall.RawSockaddrAny
		wbuf := windows.WSABuf{Len: uint32(len(data)), Buf: &data[0]}
		msg := windows.WSAMsg{
			Name:        &rsa,
			Namelen:     int32(unsafe.Sizeof(rsa)),
			Buffers:     &wbuf,
			BufferCount: 1,
			Control:     windows.WSABuf{Len: uint32(len(control)), Buf: &control[0]},
		}
		var n uint32
		if err := windows.WSARecvMsg(sk.handle, &msg, &n, nil, nil); err != nil {
			if sk.closed.Load() {
				return
			}
			continue
		}
		remote, ok := sockaddrToAddrPort(&rsa)
		if !ok {
			continue
		}
		sk.recv([]*platform.Indication{{
			Data:    data[:n],
			Remote:  remote,
			Pktinfo: parsePktinfo(sk.family, control[:msg.Control.Len]),
		}})
	}
}

func rawSockaddr(family platform.Family, ap netip.AddrPort) (unsafe.Pointer, int32, error) {
	port := ap.Port()
	if family == platform.FamilyV6 {
		rsa := &syscall.RawSockaddrInet6{
			Family: windows.AF_INET6,
			Port:   port<<8 | port>>8,
			Addr:   ap.Addr().As16(),
		}
		// The v6 scope rides in the address zone as a numeric string.
		if zone := ap.Addr().Zone(); zone != "" {
			if scope, err := strconv.ParseUint(zone, 10, 32); err == nil {
				rsa.Scope_id = uint32(scope)
			}
		}
		return unsafe.Pointer(rsa), int32(unsafe.Sizeof(*rsa)), nil
	}
	if !ap.Addr().Unmap().Is4() {
		return nil, 0, fmt.Errorf("address family mismatch for %s", ap)
	}
	rsa := &syscall.RawSockaddrInet4{
		Family: windows.AF_INET,
		Port:   port<<8 | port>>8,
		Addr:   ap.Addr().Unmap().As4(),
	}
	return unsafe.Pointer(rsa), int32(unsafe.Sizeof(*rsa)), nil
}

func sockaddrToAddrPort(rsa *syscall.RawSockaddrAny) (netip.AddrPort, bool) {
	switch rsa.Addr.Family {
	case windows.AF_INET:
		v := (*syscall.RawSockaddrInet4)(unsafe.Pointer(rsa))
		port := v.Port<<8 | v.Port>>8
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), port), true
	case windows.AF_INET6:
		v := (*syscall.RawSockaddrInet6)(unsafe.Pointer(rsa))
		port := v.Port<<8 | v.Port>>8
		addr := netip.AddrFrom16(v.Addr)
		if v.Scope_id != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(v.Scope_id), 10))
		}
		return netip.AddrPortFrom(addr, port), true
	}
	return netip.AddrPort{}, false
}
