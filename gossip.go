package membership

import (
	"github.com/nimbus-cluster/membership/codec"
)

// compoundOverhead is the per-subframe cost GetBroadcasts must budget for:
// Compound's own [len:u16] prefix around each already-length-prefixed frame.
const compoundOverhead = 2

// gossipEmitter periodically drains the broadcast queue and ships its
// contents as Compound packets to a random fan-out of peers (spec.md §4.4).
type gossipEmitter struct {
	m *Membership
}

func newGossipEmitter(m *Membership) *gossipEmitter {
	return &gossipEmitter{m: m}
}

// tick selects GossipNodes random live peers and sends each a Compound
// packet built from the queue, sized to fit the packet transport's MTU.
func (g *gossipEmitter) tick() {
	m := g.m
	targets := m.table.SnapshotRandomK(m.cfg.GossipNodes, func(r NodeRecord) bool {
		return r.Id != m.cfg.Id && r.State != StateDead && r.State != StateLeft
	})
	if len(targets) == 0 {
		return
	}

	budget := m.packets.MTU()
	if budget <= 0 {
		budget = 1400
	}
	frames := m.broadcasts.GetBroadcasts(compoundOverhead, budget)
	if len(frames) == 0 {
		return
	}

	compound, err := codec.EncodeCompound(frames)
	if err != nil {
		m.log.WithError(err).Warn("gossip: encode compound failed")
		return
	}
	wire, err := m.codec.Encode(codec.KindCompound, compound)
	if err != nil {
		m.log.WithError(err).Warn("gossip: envelope compound failed")
		return
	}

	for _, t := range targets {
		if err := m.sendRaw(t.Addr, wire); err != nil {
			m.log.WithError(err).WithField("target", string(t.Id)).Debug("gossip: send failed")
		}
	}
}
