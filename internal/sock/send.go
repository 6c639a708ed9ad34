package sock

import (
	"net/netip"
	"sync/atomic"

	"wg-udp-plane/internal/core"
	"wg-udp-plane/internal/platform"
)

// sendCtx carries one in-flight send. The endpoint is copied by value at
// submission so a concurrent SetEndpoint cannot redirect a send already in
// flight. Contexts come from the stack's pool and return to it in the
// completion path.
type sendCtx struct {
	endpoint Endpoint
	dev      *Device

	// Exactly one of the two shapes is populated.
	first  *Packet  // batched: caller's packet list
	bufs   [][]byte // batched: gathered data views, list order
	owned  []byte   // single-buffer: private copy
	isList bool
}

func (s *Stack) getSendCtx() *sendCtx {
	if s.ctxPool == nil {
		return nil
	}
	return s.ctxPool.Get().(*sendCtx)
}

func (s *Stack) putSendCtx(ctx *sendCtx) {
	*ctx = sendCtx{}
	s.ctxPool.Put(ctx)
}

// sendComplete runs once per submitted send. Asynchronous failures are
// absorbed here; the layer above retransmits on its own schedule.
func (s *Stack) sendComplete(ctx *sendCtx, err error) {
	if err != nil {
		core.Log.Debugf("Sock", "Async send to %s failed: %v", ctx.endpoint.Remote, err)
	}
	if ctx.isList {
		ctx.dev.freeSendPackets(ctx.first)
	}
	s.putSendCtx(ctx)
}

// submitSend picks the socket matching the endpoint's family and hands the
// context's datagrams to the provider. A nil return means the send was
// accepted; completion, and any asynchronous failure, arrives later through
// sendComplete. The caller keeps ownership of the context on error.
func (s *Stack) submitSend(dev *Device, ctx *sendCtx) error {
	ctx.dev = dev
	dev.sockGuard.ReadLock()
	defer dev.sockGuard.ReadUnlock()

	var sk *Socket
	switch ctx.endpoint.Family() {
	case platform.FamilyV4:
		sk = dev.sock4.Load()
	case platform.FamilyV6:
		sk = dev.sock6.Load()
	}
	if sk == nil {
		return ErrNetworkUnreachable
	}

	remote := ctx.endpoint.Remote
	cm := ctx.endpoint.SrcCmsg
	done := func(err error) { s.sendComplete(ctx, err) }

	if !ctx.isList {
		return sk.ps.Send(ctx.owned, remote, cm, done)
	}
	if s.noBatch {
		return sendBatchFanout(sk.ps, ctx.bufs, remote, cm, done)
	}
	return sk.ps.SendBatch(ctx.bufs, remote, cm, done)
}

// sendBatchFanout emulates a batched send on providers without one: each
// datagram goes out as its own send, and a shared count dropping to zero
// fires the caller's completion exactly once. A datagram whose sub-send is
// rejected is silently dropped; no partial-batch error propagates. Wire
// order across the fan-out is not preserved.
func sendBatchFanout(ps platform.ProviderSocket, bufs [][]byte, remote netip.AddrPort, cm platform.ControlMessage, done platform.Completion) error {
	refs := new(atomic.Int64)
	refs.Store(1)
	subDone := func(error) {
		if refs.Add(-1) == 0 {
			done(nil)
		}
	}
	for _, buf := range bufs {
		refs.Add(1)
		if err := ps.Send(buf, remote, cm, subDone); err != nil {
			refs.Add(-1)
		}
	}
	if refs.Add(-1) == 0 {
		done(nil)
	}
	return nil
}

// SendPackets transmits a list of already-encrypted datagrams to the peer,
// resolving the source binding first. allKeepalive reports whether every
// datagram had the canonical keepalive length. On failure the list has been
// released through the device's free hook.
func (s *Stack) SendPackets(peer *Peer, first *Packet) (allKeepalive bool, err error) {
	if first == nil {
		return false, ErrAlreadyComplete
	}
	dev := peer.device
	ctx := s.getSendCtx()
	if ctx == nil {
		dev.freeSendPackets(first)
		return false, ErrInsufficientResources
	}
	if err := s.resolveSource(peer); err != nil {
		s.putSendCtx(ctx)
		dev.freeSendPackets(first)
		return false, err
	}
	ctx.endpoint = peer.endpoint
	peer.mu.RUnlock()

	ctx.isList = true
	ctx.first = first
	allKeepalive = true
	var octets, packets uint64
	for p := first; p != nil; p = p.Next {
		ctx.bufs = append(ctx.bufs, p.Data)
		octets += uint64(len(p.Data))
		packets++
		if len(p.Data) != MessageDataLen(0) {
			allKeepalive = false
		}
	}

	if err := s.submitSend(dev, ctx); err != nil {
		s.putSendCtx(ctx)
		dev.freeSendPackets(first)
		return false, err
	}
	peer.txBytes.Add(octets)
	dev.Stats.OutOctets.Add(octets)
	dev.Stats.OutUcastOctets.Add(octets)
	dev.Stats.OutUcastPkts.Add(packets)
	return allKeepalive, nil
}

// SendBuffer copies buf and transmits it to the peer as a single datagram.
// Used for handshake and control traffic.
func (s *Stack) SendBuffer(peer *Peer, buf []byte) error {
	ctx := s.getSendCtx()
	if ctx == nil {
		return ErrInsufficientResources
	}
	ctx.owned = append([]byte(nil), buf...)
	if err := s.resolveSource(peer); err != nil {
		s.putSendCtx(ctx)
		return err
	}
	ctx.endpoint = peer.endpoint
	peer.mu.RUnlock()

	if err := s.submitSend(peer.device, ctx); err != nil {
		s.putSendCtx(ctx)
		return err
	}
	peer.txBytes.Add(uint64(len(buf)))
	return nil
}

// SendBufferAsReply transmits buf back the way the received datagram came:
// the endpoint comes from the datagram's source and PKTINFO, with no
// resolver involvement. Used for cookie replies.
func (s *Stack) SendBufferAsReply(dev *Device, in *Packet, buf []byte) error {
	ctx := s.getSendCtx()
	if ctx == nil {
		return ErrInsufficientResources
	}
	ctx.owned = append([]byte(nil), buf...)
	if err := s.EndpointFromPacket(&ctx.endpoint, in); err != nil {
		s.putSendCtx(ctx)
		return err
	}
	if err := s.submitSend(dev, ctx); err != nil {
		s.putSendCtx(ctx)
		return err
	}
	return nil
}
