package sock

import (
	"errors"
	"fmt"
	"net/netip"

	"wg-udp-plane/internal/core"
	"wg-udp-plane/internal/platform"
)

// createAndBindSocket builds a socket object with fresh rundown protection,
// opens a datagram socket of laddr's family with checksum, v6-only, and
// PKTINFO options applied, binds it, and reads back the local address so
// the caller learns the OS-assigned port when 0 was requested.
func (s *Stack) createAndBindSocket(dev *Device, laddr netip.AddrPort) (*Socket, netip.AddrPort, error) {
	sk := &Socket{device: dev, inFlight: newRundown()}
	fam := platform.FamilyOf(laddr.Addr())
	opts := platform.SocketOptions{
		NoChecksum: fam == platform.FamilyV4,
		V6Only:     fam == platform.FamilyV6,
		Pktinfo:    true,
	}
	ps, err := s.sockets.Open(fam, laddr, opts, dev.Owner, func(batch []*platform.Indication) bool {
		return s.receive(sk, batch)
	})
	if err != nil {
		core.Log.Errorf("Sock", "Could not bind socket to %s: %v", laddr, err)
		return nil, netip.AddrPort{}, err
	}
	sk.ps = ps
	return sk, ps.LocalAddr(), nil
}

// SocketInit binds a fresh socket pair for the device: v4 on the requested
// port, then v6 on whatever port v4 actually got. When the request was the
// wildcard port and another process races the v6 bind, the pair is rebuilt
// with a new port, up to 100 times. The new pair replaces the old through
// SocketReinit.
func (s *Stack) SocketInit(dev *Device, port uint16) error {
	retries := 0
	for {
		var new4, new6 *Socket
		boundPort := port

		if s.has4 {
			sk, local, err := s.createAndBindSocket(dev, netip.AddrPortFrom(netip.IPv4Unspecified(), port))
			if err != nil {
				return err
			}
			new4 = sk
			boundPort = local.Port()
		}
		if s.has6 {
			sk, local, err := s.createAndBindSocket(dev, netip.AddrPortFrom(netip.IPv6Unspecified(), boundPort))
			if err != nil {
				closeSocket(new4)
				if errors.Is(err, ErrAddressInUse) && port == 0 && retries < 100 {
					retries++
					continue
				}
				return err
			}
			new6 = sk
			if !s.has4 {
				boundPort = local.Port()
			}
		}

		s.SocketReinit(dev, new4, new6, boundPort)
		return nil
	}
}

// SocketReinit publishes a new socket pair for the device and closes the
// displaced pair. The old sockets are closed only after a grace period in
// which every concurrent reader has left its read section, and each close
// waits out the socket's in-flight indications. Passing nil, nil tears the
// device's sockets down.
func (s *Stack) SocketReinit(dev *Device, new4, new6 *Socket, port uint16) {
	dev.socketMu.Lock()
	old4 := dev.sock4.Swap(new4)
	old6 := dev.sock6.Swap(new6)
	if new4 != nil || new6 != nil {
		dev.incomingPort.Store(uint32(port))
	}
	dev.socketMu.Unlock()

	dev.sockGuard.Synchronize()
	closeSocket(old4)
	closeSocket(old6)
}

// SocketTeardown removes and closes the device's sockets; the device
// outlives them by construction.
func (s *Stack) SocketTeardown(dev *Device) {
	s.SocketReinit(dev, nil, nil, 0)
}

var errNoTransport = fmt.Errorf("no datagram transport available")

// EnsureTransport returns an error when neither family is available, which
// surfaces configuration problems early in diagnostics.
func (s *Stack) EnsureTransport() error {
	if !s.has4 && !s.has6 {
		return errNoTransport
	}
	return nil
}
