package membership

import (
	"time"

	"github.com/nimbus-cluster/membership/codec"
	"github.com/nimbus-cluster/membership/transport"
)

// packetHandler processes inbound UDP datagrams: Ping/IndirectPing/Ack/Nack
// and single-level-nested Compound packets carrying gossiped NodeStates
// (spec.md §4.7).
type packetHandler struct {
	m *Membership
}

func newPacketHandler(m *Membership) *packetHandler {
	return &packetHandler{m: m}
}

// serve drains the packet transport's inbound channel until it closes.
func (h *packetHandler) serve() {
	for pkt := range h.m.packets.PacketCh() {
		h.handle(pkt)
	}
}

func (h *packetHandler) handle(pkt transport.Packet) {
	m := h.m
	if m.cfg.StreamTimeout > 0 && time.Since(pkt.Timestamp) > m.cfg.ProbeTimeout*4 {
		m.log.Debug("packet handler: dropping stale packet")
		return
	}

	frame, err := m.codec.Decode(pkt.Payload)
	if err != nil {
		m.log.WithError(err).Debug("packet handler: decode failed")
		return
	}
	h.dispatch(pkt, frame)
}

func (h *packetHandler) dispatch(pkt transport.Packet, frame codec.Frame) {
	m := h.m
	switch frame.Kind {
	case codec.KindCompound:
		frames, err := codec.DecodeCompound(frame.Payload)
		if err != nil {
			m.log.WithError(err).Debug("packet handler: decode compound failed")
			return
		}
		for _, sub := range frames {
			h.dispatch(pkt, sub)
		}
	case codec.KindPing:
		h.handlePing(pkt, frame.Payload)
	case codec.KindIndirectPing:
		h.handleIndirectPing(pkt, frame.Payload)
	case codec.KindAck:
		h.handleAck(frame.Payload)
	case codec.KindNack:
		h.handleNack(frame.Payload)
	case codec.KindAlive:
		h.handleNodeState(frame.Payload, StateAlive)
	case codec.KindSuspect:
		h.handleNodeState(frame.Payload, StateSuspect)
	case codec.KindDead:
		h.handleNodeState(frame.Payload, StateDead)
	case codec.KindUserData:
		m.cfg.delegate().NotifyMessage(append([]byte(nil), frame.Payload...))
	default:
		m.log.WithField("kind", frame.Kind.String()).Debug("packet handler: unexpected kind on packet transport")
	}
}

func (h *packetHandler) handlePing(pkt transport.Packet, payload []byte) {
	m := h.m
	ping, err := codec.DecodePing(payload)
	if err != nil {
		m.log.WithError(err).Debug("packet handler: decode ping failed")
		return
	}
	if ping.Target.Id != string(m.cfg.Id) {
		// Misrouted ping: the sender's view of who owns this address is
		// stale. Answer with a Nack rather than dropping it (SPEC_FULL §12
		// "wrong-node ping"); the probe engine does not count a Nack as an
		// Ack.
		h.sendNack(pkt, ping.Seq)
		return
	}
	ack := codec.Ack{Seq: ping.Seq, Payload: m.drainPiggyback()}
	wire, err := m.codec.Encode(codec.KindAck, ack.Encode())
	if err != nil {
		return
	}
	_ = m.packets.SendTo(pkt.Addr, wire)
}

func (h *packetHandler) handleIndirectPing(pkt transport.Packet, payload []byte) {
	m := h.m
	ind, err := codec.DecodeIndirectPing(payload)
	if err != nil {
		m.log.WithError(err).Debug("packet handler: decode indirect ping failed")
		return
	}

	targetAddr, err := parseAddress(ind.Target.Addr)
	if err != nil {
		return
	}
	relaySeq := m.acks.NextSeq()
	done := make(chan bool, 1)
	m.acks.Await(relaySeq, m.cfg.ProbeTimeout, func(_ []byte, complete bool) {
		if complete {
			select {
			case done <- true:
			default:
			}
		}
	})

	relayedPing := codec.Ping{Seq: relaySeq, Source: m.nodeAddr(m.cfg.Id), Target: ind.Target}
	if err := m.sendPacket(targetAddr, codec.KindPing, relayedPing.Encode()); err != nil {
		return
	}

	go func() {
		select {
		case <-done:
			h.forwardAck(pkt, ind.Seq)
		case <-time.After(m.cfg.ProbeTimeout):
			h.forwardNack(pkt, ind.Seq)
		}
	}()
}

func (h *packetHandler) forwardAck(pkt transport.Packet, seq uint32) {
	ack := codec.Ack{Seq: seq}
	wire, err := h.m.codec.Encode(codec.KindAck, ack.Encode())
	if err != nil {
		return
	}
	_ = h.m.packets.SendTo(pkt.Addr, wire)
}

func (h *packetHandler) forwardNack(pkt transport.Packet, seq uint32) {
	nack := codec.Nack{Seq: seq}
	wire, err := h.m.codec.Encode(codec.KindNack, nack.Encode())
	if err != nil {
		return
	}
	_ = h.m.packets.SendTo(pkt.Addr, wire)
}

func (h *packetHandler) sendNack(pkt transport.Packet, seq uint32) {
	h.forwardNack(pkt, seq)
}

func (h *packetHandler) handleAck(payload []byte) {
	ack, err := codec.DecodeAck(payload)
	if err != nil {
		return
	}
	h.m.acks.Handle(ack.Seq, ack.Payload, true)
	if len(ack.Payload) > 0 {
		h.m.ingestPiggyback(ack.Payload)
	}
}

func (h *packetHandler) handleNack(payload []byte) {
	nack, err := codec.DecodeNack(payload)
	if err != nil {
		return
	}
	h.m.acks.Handle(nack.Seq, nack.Payload, false)
}

func (h *packetHandler) handleNodeState(payload []byte, state State) {
	m := h.m
	ns, err := codec.DecodeNodeState(payload)
	if err != nil {
		m.log.WithError(err).Debug("packet handler: decode node state failed")
		return
	}
	addr, err := parseAddress(ns.Addr)
	if err != nil {
		m.log.WithError(err).Debug("packet handler: unparsable node address")
		return
	}
	u := update{
		id:              Id(ns.Id),
		addr:            addr,
		meta:            ns.Meta,
		incarnation:     ns.Incarnation,
		state:           State(ns.State),
		protoVersion:    ns.ProtoVersion,
		delegateVersion: ns.DelegateVersion,
		from:            Id(ns.From),
	}
	switch state {
	case StateAlive:
		m.table.applyAlive(u)
	case StateSuspect:
		m.table.applySuspect(u)
	default:
		m.table.applyDead(u)
	}
}
