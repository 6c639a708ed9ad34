//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"wg-udp-plane/internal/platform"
)

const (
	// receiveBatchSize is how many datagrams one recvmmsg can indicate.
	receiveBatchSize = 128

	maxDatagramSize = 65535

	// UDP socket read/write buffer size. Linux clamps it to
	// net.core.{r,w}mem_max, so setting it is best-effort.
	socketBufferSize = 7 << 20
)

// SocketProvider opens UDP sockets through the net package and drives
// batched transmit and receive with sendmmsg/recvmmsg.
type SocketProvider struct{}

// NewSocketProvider returns the Linux datagram socket provider.
func NewSocketProvider() *SocketProvider { return &SocketProvider{} }

// HasBatchSend is true: sendmmsg is the batched primitive.
func (*SocketProvider) HasBatchSend() bool { return true }

// Transports probes each family by creating and closing a UDP socket.
func (*SocketProvider) Transports() (has4, has6 bool, err error) {
	return probeTransport(unix.AF_INET), probeTransport(unix.AF_INET6), nil
}

func probeTransport(af int) bool {
	fd, err := unix.Socket(af, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// Open creates, configures, and binds a datagram socket, then starts the
// receive loop feeding recv. The owner handle has no user-space equivalent
// on Linux and is ignored.
func (*SocketProvider) Open(family platform.Family, laddr netip.AddrPort, opts platform.SocketOptions, _ uintptr, recv platform.ReceiveFunc) (platform.ProviderSocket, error) {
	network := "udp4"
	if family == platform.FamilyV6 {
		network = "udp6"
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var optErr error
			if err := c.Control(func(fd uintptr) {
				optErr = applyOptions(int(fd), family, opts)
			}); err != nil {
				return err
			}
			return optErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("bind %s: %w", laddr, platform.ErrAddrInUse)
		}
		return nil, fmt.Errorf("bind %s: %w", laddr, err)
	}
	conn := pc.(*net.UDPConn)

	sk := &udpSocket{
		family:   family,
		conn:     conn,
		local:    normalizeAddrPort(conn.LocalAddr().(*net.UDPAddr).AddrPort()),
		recv:     recv,
		loopDone: make(chan struct{}),
	}
	if family == platform.FamilyV6 {
		sk.pc6 = ipv6.NewPacketConn(conn)
	} else {
		sk.pc4 = ipv4.NewPacketConn(conn)
	}
	go sk.receiveLoop()
	return sk, nil
}

// applyOptions runs between socket creation and bind.
func applyOptions(fd int, family platform.Family, opts platform.SocketOptions) error {
	// Buffer sizing is best-effort; the kernel may clamp it.
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)

	if opts.NoChecksum && family == platform.FamilyV4 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NO_CHECK, 1); err != nil {
			return fmt.Errorf("SO_NO_CHECK: %w", err)
		}
	}
	if opts.V6Only && family == platform.FamilyV6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
	}
	if opts.Pktinfo {
		if family == platform.FamilyV6 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
				return fmt.Errorf("IPV6_RECVPKTINFO: %w", err)
			}
		} else {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
				return fmt.Errorf("IP_PKTINFO: %w", err)
			}
		}
	}
	return nil
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

type udpSocket struct {
	family platform.Family
	conn   *net.UDPConn
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
	local  netip.AddrPort

	recv     platform.ReceiveFunc
	closed   atomic.Bool
	loopDone chan struct{}
}

func (sk *udpSocket) LocalAddr() netip.AddrPort { return sk.local }

// Send transmits one datagram. The syscall is synchronous; done runs before
// return on acceptance, and a rejection is reported without invoking it.
func (sk *udpSocket) Send(buf []byte, remote netip.AddrPort, cm platform.ControlMessage, done platform.Completion) error {
	oob := marshalPktinfo(sk.family, cm)
	if _, _, err := sk.conn.WriteMsgUDPAddrPort(buf, oob, remote); err != nil {
		return fmt.Errorf("sendmsg: %w", err)
	}
	done(nil)
	return nil
}

// SendBatch submits the whole list through sendmmsg, looping on partial
// acceptance. A failure after the first datagram went out is reported
// through done, since those datagrams are already on the wire.
func (sk *udpSocket) SendBatch(bufs [][]byte, remote netip.AddrPort, cm platform.ControlMessage, done platform.Completion) error {
	oob := marshalPktinfo(sk.family, cm)
	addr := net.UDPAddrFromAddrPort(remote)
	// ipv4.Message and ipv6.Message alias the same underlying type.
	msgs := make([]ipv6.Message, len(bufs))
	for i := range bufs {
		msgs[i] = ipv6.Message{Buffers: [][]byte{bufs[i]}, OOB: oob, Addr: addr}
	}
	for sent := 0; sent < len(msgs); {
		var n int
		var err error
		if sk.pc6 != nil {
			n, err = sk.pc6.WriteBatch(msgs[sent:], 0)
		} else {
			n, err = sk.pc4.WriteBatch(msgs[sent:], 0)
		}
		if err != nil {
			if sent == 0 {
				return fmt.Errorf("sendmmsg: %w", err)
			}
			done(fmt.Errorf("sendmmsg after %d of %d: %w", sent, len(msgs), err))
			return nil
		}
		sent += n
	}
	done(nil)
	return nil
}

func (sk *udpSocket) Close() error {
	sk.closed.Store(true)
	err := sk.conn.Close()
	<-sk.loopDone
	return err
}

// receiveLoop reads datagram batches and hands them up. Buffers are freshly
// allocated per batch because the receiver may retain indications
// indefinitely.
func (sk *udpSocket) receiveLoop() {
	defer close(sk.loopDone)
	for {
		msgs := make([]ipv6.Message, receiveBatchSize)
		for i := range msgs {
			msgs[i].Buffers = [][]byte{make([]byte, maxDatagramSize)}
			msgs[i].OOB = make([]byte, 64)
		}
		var n int
		var err error
		if sk.pc6 != nil {
			n, err = sk.pc6.ReadBatch(msgs, 0)
		} else {
			n, err = sk.pc4.ReadBatch(msgs, 0)
		}
		if err != nil {
			if sk.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		batch := make([]*platform.Indication, 0, n)
		for i := 0; i < n; i++ {
			m := &msgs[i]
			ua, ok := m.Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			batch = append(batch, &platform.Indication{
				Data:    m.Buffers[0][:m.N],
				Remote:  normalizeAddrPort(ua.AddrPort()),
				Pktinfo: parsePktinfo(sk.family, m.OOB[:m.NN]),
			})
		}
		if len(batch) > 0 {
			sk.recv(batch)
		}
	}
}
