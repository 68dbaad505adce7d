package membership

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbus-cluster/membership/codec"
)

// probeEngine drives the round-robin failure detector (spec.md §4.2): one
// node probed per ProbeInterval tick, direct ping first, falling back to
// indirect pings via IndirectChecks relays, and finally (unless disabled) a
// last-resort ping over the stream transport.
type probeEngine struct {
	m *Membership

	mu        sync.Mutex
	probeList []Id
	nextIdx   int
}

func newProbeEngine(m *Membership) *probeEngine {
	return &probeEngine{m: m}
}

// tick runs one probe round, selecting the next candidate in round-robin
// order from a freshly shuffled copy of the table whenever the list is
// exhausted (spec.md §4.2: "round-robin over a periodically reshuffled
// list, so every member is probed roughly once per sweep").
func (p *probeEngine) tick() {
	target, ok := p.next()
	if !ok {
		return
	}
	p.probe(target)
}

func (p *probeEngine) next() (NodeRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reshuffled := false
	for {
		if p.nextIdx >= len(p.probeList) {
			if reshuffled {
				return NodeRecord{}, false
			}
			p.reshuffleLocked()
			reshuffled = true
			if len(p.probeList) == 0 {
				return NodeRecord{}, false
			}
		}
		id := p.probeList[p.nextIdx]
		p.nextIdx++
		if id == p.m.cfg.Id {
			continue
		}
		rec, ok := p.m.table.Get(id)
		if !ok || rec.State == StateDead || rec.State == StateLeft {
			continue
		}
		return rec, true
	}
}

func (p *probeEngine) reshuffleLocked() {
	recs := p.m.table.Snapshot()
	ids := make([]Id, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.Id)
	}
	shuffleIds(ids)
	p.probeList = ids
	p.nextIdx = 0
}

func shuffleIds(ids []Id) {
	recs := make([]NodeRecord, len(ids))
	for i, id := range ids {
		recs[i] = NodeRecord{Id: id}
	}
	shuffle(recs)
	for i, r := range recs {
		ids[i] = r.Id
	}
}

// probe runs the full escalation ladder against one target (spec.md §4.2).
func (p *probeEngine) probe(target NodeRecord) {
	m := p.m
	seq := m.acks.NextSeq()
	log := m.log.WithFields(logrus.Fields{"target": string(target.Id), "seq": seq})

	directResult := make(chan bool, 1)
	m.acks.Await(seq, m.cfg.ProbeTimeout*2, func(_ []byte, complete bool) {
		if complete {
			select {
			case directResult <- true:
			default:
			}
		}
	})

	ping := codec.Ping{
		Seq:    seq,
		Source: m.nodeAddr(m.cfg.Id),
		Target: m.nodeAddr(target.Id),
	}
	if err := m.sendPacket(target.Addr, codec.KindPing, ping.Encode()); err != nil {
		log.WithError(err).Debug("probe: direct ping send failed")
	}

	select {
	case <-directResult:
		log.Debug("probe: direct ack received")
		return
	case <-time.After(m.cfg.ProbeTimeout):
	}

	log.Debug("probe: direct ping timed out, falling back to indirect")
	if p.indirectProbe(target, seq, directResult, m.cfg.ProbeTimeout) {
		log.Debug("probe: indirect ack received")
		return
	}

	if !m.cfg.DisableTCPPings {
		if p.streamProbe(target) {
			log.Debug("probe: stream fallback ack received")
			return
		}
	}

	log.Warn("probe: target unreachable by every method, raising suspicion")
	m.table.applySuspect(update{
		id:              target.Id,
		addr:            target.Addr,
		meta:            target.Meta,
		incarnation:     target.Incarnation,
		state:           StateSuspect,
		protoVersion:    target.ProtocolVersion,
		delegateVersion: target.DelegateVersion,
		from:            m.cfg.Id,
	})
}

// indirectProbe fans out IndirectPing requests to k relays and waits up to
// timeout for any of them to report success via a forwarded Ack (spec.md
// §4.2). A relay's forwarded Ack carries the same seq the direct ping used,
// so it resolves through the same waiter registered in probe — no second
// registration needed here. Returns true as soon as one relay confirms.
func (p *probeEngine) indirectProbe(target NodeRecord, seq uint32, result chan bool, timeout time.Duration) bool {
	m := p.m
	relays := m.table.SnapshotRandomK(m.cfg.IndirectChecks, func(r NodeRecord) bool {
		return r.Id != target.Id && r.Id != m.cfg.Id && r.State == StateAlive
	})
	if len(relays) == 0 {
		return false
	}

	msg := codec.IndirectPing{
		Seq:    seq,
		Source: m.nodeAddr(m.cfg.Id),
		Target: m.nodeAddr(target.Id),
	}
	body := msg.Encode()
	for _, relay := range relays {
		if err := m.sendPacket(relay.Addr, codec.KindIndirectPing, body); err != nil {
			m.log.WithError(err).WithField("relay", string(relay.Id)).Debug("indirect probe: relay send failed")
		}
	}

	select {
	case <-result:
		return true
	case <-time.After(timeout):
		return false
	}
}

// streamProbe is the probe-of-last-resort: a direct TCP connection and a
// single Ping/Ack exchange, bypassing UDP entirely in case the loss is
// specific to the packet path (spec.md §4.2).
func (p *probeEngine) streamProbe(target NodeRecord) bool {
	m := p.m
	addr, err := m.packets.ResolveAddr(target.Addr.String())
	if err != nil {
		m.log.WithError(err).Debug("stream probe: resolve failed")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	conn, err := m.streams.DialTimeout(ctx, addr, m.cfg.ProbeTimeout)
	if err != nil {
		m.log.WithError(err).Debug("stream probe: dial failed")
		return false
	}
	defer conn.Close()

	seq := m.acks.NextSeq()
	ping := codec.Ping{Seq: seq, Source: m.nodeAddr(m.cfg.Id), Target: m.nodeAddr(target.Id)}
	wire, err := m.codec.Encode(codec.KindPing, ping.Encode())
	if err != nil {
		return false
	}
	if err := m.streams.SetTimeout(conn, m.cfg.StreamTimeout); err != nil {
		return false
	}
	if err := writeStreamFrame(conn, wire); err != nil {
		return false
	}

	resp, err := readStreamFrame(conn, m.cfg.MaxFrameSize)
	if err != nil {
		return false
	}
	frame, err := m.codec.Decode(resp)
	if err != nil {
		return false
	}
	if frame.Kind != codec.KindAck {
		return false
	}
	ack, err := codec.DecodeAck(frame.Payload)
	if err != nil || ack.Seq != seq {
		return false
	}
	return true
}
