package membership

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbus-cluster/membership/codec"
)

// update is one incoming claim about a node's state, the common shape that
// apply_alive/apply_suspect/apply_dead all funnel through (spec.md §4.1).
type update struct {
	id              Id
	addr            Address
	meta            []byte
	incarnation     uint32
	state           State
	protoVersion    uint8
	delegateVersion uint8
	// from is who originated a Suspect claim; empty for Alive/Dead.
	from Id
}

// table is the authoritative node map (spec.md §2 item 4, §3, §4.1). It
// preserves insertion order for round-robin probing and linearizes every
// merge under a single write lock, per spec.md §5.
type table struct {
	mu      sync.RWMutex
	byId    map[Id]*NodeRecord
	order   []Id // insertion order, for round-robin probing
	localId Id

	suspicion *suspicionSet
	broadcast *broadcastQueue
	cfg       *Config
	log       logrus.FieldLogger

	shutdown bool
}

func newTable(cfg *Config, broadcast *broadcastQueue) *table {
	t := &table{
		byId:    make(map[Id]*NodeRecord),
		localId: cfg.Id,
		broadcast: broadcast,
		cfg:     cfg,
		log:     cfg.logger(),
	}
	t.suspicion = newSuspicionSet(t.onSuspicionExpire)
	return t
}

func (t *table) encodeState(r NodeRecord) []byte {
	return codec.NodeState{
		Id:              string(r.Id),
		Addr:            r.Addr.String(),
		Meta:            r.Meta,
		Incarnation:     r.Incarnation,
		State:           uint8(r.State),
		ProtoVersion:    r.ProtocolVersion,
		DelegateVersion: r.DelegateVersion,
		From:            string(r.SuspectedBy),
	}.Encode()
}

// broadcastKind maps a record's State to the codec.Kind used to disseminate it.
func broadcastKind(s State) codec.Kind {
	switch s {
	case StateAlive:
		return codec.KindAlive
	case StateSuspect:
		return codec.KindSuspect
	default:
		return codec.KindDead
	}
}

func (t *table) queueBroadcast(r NodeRecord) {
	kind := broadcastKind(r.State)
	body := t.encodeState(r)
	t.broadcast.QueueBroadcast(r.Id, codec.EncodeFrame(kind, body))
}

// applyAlive integrates an Alive announcement (spec.md §4.1).
func (t *table) applyAlive(u update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.merge(u)
}

// applySuspect integrates a Suspect confirmation originating from u.from.
func (t *table) applySuspect(u update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.merge(u)
}

// applyDead integrates a Dead/Left announcement.
func (t *table) applyDead(u update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.merge(u)
}

// merge is the state-merge algorithm, spec.md §4.1 steps 1-5. Caller holds t.mu.
func (t *table) merge(u update) {
	if t.shutdown {
		return
	}

	cur, exists := t.byId[u.id]

	// Step 1: absent and not Left => insert.
	if !exists {
		if u.state == StateLeft {
			return
		}
		rec := &NodeRecord{
			Id:              u.id,
			Addr:            u.addr,
			Meta:            append([]byte(nil), u.meta...),
			State:           u.state,
			Incarnation:     u.incarnation,
			StateChangeAt:   time.Now(),
			ProtocolVersion: u.protoVersion,
			DelegateVersion: u.delegateVersion,
		}
		if u.state == StateSuspect {
			rec.SuspectedBy = u.from
		}
		t.byId[u.id] = rec
		t.order = append(t.order, u.id)
		t.queueBroadcast(*rec)
		switch u.state {
		case StateAlive:
			t.cfg.delegate().NotifyJoin(rec.clone())
		case StateSuspect:
			t.suspicion.Start(u.id, u.incarnation, u.from, t.localId,
				t.cfg.SuspicionMult, t.cfg.SuspicionMinTimeout, t.cfg.SuspicionMaxTimeout)
		case StateDead:
			// A node can be learned about and declared dead in the same round
			// (e.g. a push/pull snapshot from a peer that saw it join and die
			// before we ever heard of it). The delegate still sees the full
			// join-then-leave transition, never a silent insert.
			t.cfg.delegate().NotifyJoin(rec.clone())
			t.cfg.delegate().NotifyLeave(rec.clone())
		}
		return
	}

	// Step 3: claims about the local node that would move it to Suspect/Dead
	// are refuted instead of accepted.
	if u.id == t.localId && (u.state == StateSuspect || u.state == StateDead) {
		if u.incarnation >= cur.Incarnation {
			cur.Incarnation = u.incarnation
			t.refuteLocked(cur)
		}
		return
	}

	// Step 2: reject anything that doesn't strictly dominate current state,
	// UNLESS it's an equal-incarnation, same-state metadata change (tie-break
	// in spec.md §4.1: "metadata changes at equal incarnation are treated as
	// an Alive update only if the incoming payload is byte-different") or an
	// equal-incarnation Suspect claim about an already-Suspect node, which
	// feeds the suspicion confirmation count (spec.md §4.3) instead of being
	// discarded as non-dominating.
	metaChanged := u.incarnation == cur.Incarnation && u.state == cur.State &&
		u.state == StateAlive && !bytes.Equal(u.meta, cur.Meta)
	suspectConfirmation := u.incarnation == cur.Incarnation &&
		u.state == StateSuspect && cur.State == StateSuspect

	if suspectConfirmation {
		t.suspicion.Confirm(u.id, u.from)
		cur.SuspectedBy = u.from
		t.queueBroadcast(*cur)
		return
	}

	if !dominates(u.incarnation, cur.Incarnation, u.state, cur.State) && !metaChanged {
		return
	}

	oldState := cur.State
	cur.Addr = u.addr
	cur.Meta = append([]byte(nil), u.meta...)
	cur.State = u.state
	cur.Incarnation = u.incarnation
	cur.StateChangeAt = time.Now()
	cur.ProtocolVersion = u.protoVersion
	cur.DelegateVersion = u.delegateVersion
	if u.state == StateSuspect {
		cur.SuspectedBy = u.from
	} else {
		cur.SuspectedBy = ""
	}

	t.queueBroadcast(*cur)
	t.suspicion.Cancel(u.id)

	switch {
	case u.state == StateSuspect && oldState != StateSuspect:
		t.suspicion.Start(u.id, u.incarnation, u.from, t.localId,
			t.cfg.SuspicionMult, t.cfg.SuspicionMinTimeout, t.cfg.SuspicionMaxTimeout)
	case u.state == StateSuspect && oldState == StateSuspect:
		t.suspicion.Confirm(u.id, u.from)
	}

	switch {
	case (oldState == StateDead || oldState == StateLeft) && u.state == StateAlive:
		t.cfg.delegate().NotifyJoin(cur.clone())
	case oldState != StateDead && oldState != StateLeft && (u.state == StateDead || u.state == StateLeft):
		t.cfg.delegate().NotifyLeave(cur.clone())
	default:
		t.cfg.delegate().NotifyUpdate(cur.clone())
	}
}

// refuteLocked increments the local incarnation by one and queues a fresh
// Alive broadcast about self (spec.md §3, §4.1 step 3, §4.3 "local_refute").
// merge first raises cur.Incarnation to the refuted claim's incarnation, so
// the result is strictly above that claim. Caller holds t.mu.
func (t *table) refuteLocked(cur *NodeRecord) {
	cur.Incarnation++
	cur.State = StateAlive
	cur.StateChangeAt = time.Now()
	cur.SuspectedBy = ""
	t.suspicion.Cancel(t.localId)
	t.queueBroadcast(*cur)
}

// LocalRefute increments the local incarnation and enqueues an Alive
// broadcast, independent of any incoming claim. The record's metadata is
// left unchanged.
func (t *table) LocalRefute() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byId[t.localId]
	if !ok {
		return
	}
	t.refuteLocked(cur)
}

func (t *table) onSuspicionExpire(id Id, incarnation uint32) {
	t.log.WithFields(logrus.Fields{"node": string(id), "incarnation": incarnation}).
		Info("suspicion timer expired, marking node dead")

	t.mu.RLock()
	cur, ok := t.byId[id]
	t.mu.RUnlock()
	if !ok {
		return
	}

	t.applyDead(update{
		id:              id,
		addr:            cur.Addr,
		meta:            cur.Meta,
		incarnation:     incarnation,
		state:           StateDead,
		protoVersion:    cur.ProtocolVersion,
		delegateVersion: cur.DelegateVersion,
	})
}

// Get returns a copy of id's record, if present.
func (t *table) Get(id Id) (NodeRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byId[id]
	if !ok {
		return NodeRecord{}, false
	}
	return r.clone(), true
}

// Snapshot returns a copy of every record, in insertion order.
func (t *table) Snapshot() []NodeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeRecord, 0, len(t.order))
	for _, id := range t.order {
		if r, ok := t.byId[id]; ok {
			out = append(out, r.clone())
		}
	}
	return out
}

// SnapshotRandomK returns up to k distinct records matching filter, chosen
// uniformly without replacement (spec.md §4.1 snapshot_random_k).
func (t *table) SnapshotRandomK(k int, filter func(NodeRecord) bool) []NodeRecord {
	t.mu.RLock()
	candidates := make([]NodeRecord, 0, len(t.order))
	for _, id := range t.order {
		r, ok := t.byId[id]
		if !ok {
			continue
		}
		clone := r.clone()
		if filter == nil || filter(clone) {
			candidates = append(candidates, clone)
		}
	}
	t.mu.RUnlock()

	if k >= len(candidates) {
		shuffle(candidates)
		return candidates
	}

	shuffle(candidates)
	return candidates[:k]
}

func shuffle(recs []NodeRecord) {
	for i := len(recs) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		j := 0
		if err == nil {
			j = int(jBig.Int64())
		}
		recs[i], recs[j] = recs[j], recs[i]
	}
}

// Len reports the current table size, live and reaped-pending alike.
func (t *table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// AliveCount reports how many records are currently Alive; used to size the
// broadcast retransmit budget (spec.md §4.4: "ceil(log10(cluster_size + 1))").
func (t *table) AliveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, id := range t.order {
		if r, ok := t.byId[id]; ok && r.State == StateAlive {
			n++
		}
	}
	return n
}

// Reap removes Dead/Left records whose StateChangeAt is older than window
// (spec.md §3 "retained for a reap window ... to allow gossip convergence
// before removal").
func (t *table) Reap(window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-window)
	kept := t.order[:0]
	for _, id := range t.order {
		r, ok := t.byId[id]
		if !ok {
			continue
		}
		if (r.State == StateDead || r.State == StateLeft) && r.StateChangeAt.Before(cutoff) {
			delete(t.byId, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Shutdown stops every suspicion timer and marks the table closed to further merges.
func (t *table) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()
	t.suspicion.Shutdown()
}
