package sock

import (
	"math"

	"wg-udp-plane/internal/platform"
)

// receive is the provider's receive event for one socket. Each indication
// is wrapped into a packet and chained onto the accepted list; indications
// that arrive while the device is down, exceed the representable length, or
// lose the race with socket rundown are released immediately and counted as
// discards. The accepted list goes to the packet-receive collaborator, which
// owns the wrapped indications until it frees the packets.
func (s *Stack) receive(sk *Socket, batch []*platform.Indication) (retained bool) {
	dev := sk.device
	var first, last *Packet
	for _, ind := range batch {
		if uint64(len(ind.Data)) > math.MaxUint32 || !dev.Up() || !sk.inFlight.Acquire() {
			if ind.Release != nil {
				ind.Release()
			}
			dev.Stats.InDiscards.Add(1)
			continue
		}
		pkt := &Packet{Data: ind.Data, ind: ind, sock: sk}
		if last == nil {
			first = pkt
		} else {
			last.Next = pkt
		}
		last = pkt
	}
	if first == nil {
		return false
	}
	dev.deliver(first)
	return true
}
