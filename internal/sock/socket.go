package sock

import (
	"wg-udp-plane/internal/platform"
)

// Socket pairs a provider socket with rundown protection over its in-flight
// received indications. After publication into a device's socket slot the
// object is immutable apart from the rundown state; the provider handle is
// closed only once the rundown has drained.
type Socket struct {
	device   *Device
	ps       platform.ProviderSocket
	inFlight *rundown
}

// closeSocket drains the socket's in-flight indications and closes the
// provider handle. Safe on nil.
func closeSocket(s *Socket) {
	if s == nil {
		return
	}
	s.inFlight.Wait()
	if s.ps != nil {
		s.ps.Close()
	}
}

// Packet is one datagram buffer. Packets chain through Next into lists, in
// submission order on the send side and arrival order on the receive side.
// Receive-side packets reference the provider indication they wrap and hold
// a rundown reference on the originating socket until freed.
type Packet struct {
	Next *Packet
	Data []byte

	ind  *platform.Indication
	sock *Socket
}

// NewSendPacket wraps an already-encrypted datagram for transmission.
func NewSendPacket(data []byte) *Packet {
	return &Packet{Data: data}
}

// Indication exposes the provider indication a received packet wraps, or nil
// for send-side packets.
func (p *Packet) Indication() *platform.Indication { return p.ind }

// Free releases the wrapped indication back to the provider and drops the
// rundown reference taken on receive. Send-side packets have neither.
func (p *Packet) Free() {
	if p.ind == nil {
		return
	}
	if p.ind.Release != nil {
		p.ind.Release()
	}
	p.ind = nil
	p.sock.inFlight.Release()
	p.sock = nil
}
