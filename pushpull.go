package membership

import (
	"context"

	"github.com/nimbus-cluster/membership/codec"
)

// pushPullDriver periodically picks a random peer and exchanges full-state
// snapshots with it, independent of the gossip layer's incremental updates
// (spec.md §4.5 anti-entropy). Inbound handling is rate-limited to
// MaxPushPullRequests concurrent handlers (spec.md §4.5, §5).
type pushPullDriver struct {
	m *Membership

	inflight chan struct{}
}

func newPushPullDriver(m *Membership) *pushPullDriver {
	return &pushPullDriver{
		m:        m,
		inflight: make(chan struct{}, max(m.cfg.MaxPushPullRequests, 1)),
	}
}

// tick picks one random peer (excluding self) and runs a push/pull exchange
// against it.
func (d *pushPullDriver) tick() {
	m := d.m
	peers := m.table.SnapshotRandomK(1, func(r NodeRecord) bool {
		return r.Id != m.cfg.Id && r.State != StateDead && r.State != StateLeft
	})
	if len(peers) == 0 {
		return
	}
	if err := d.exchange(peers[0], false); err != nil {
		m.log.WithError(err).WithField("peer", string(peers[0].Id)).Debug("pushpull: exchange failed")
	}
}

// exchange dials peer over the stream transport, sends the local snapshot,
// reads the peer's snapshot back, and merges every record it contains
// (spec.md §4.5). join=true marks the exchange as this node's initial join
// handshake, so the remote knows to treat it as a new member rather than a
// routine anti-entropy sync.
func (d *pushPullDriver) exchange(peer NodeRecord, join bool) error {
	m := d.m

	addr, err := m.packets.ResolveAddr(peer.Addr.String())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StreamTimeout)
	defer cancel()
	conn, err := m.streams.DialTimeout(ctx, addr, m.cfg.StreamTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := m.streams.SetTimeout(conn, m.cfg.StreamTimeout); err != nil {
		return err
	}

	local := d.localSnapshot(join)
	wire, err := m.codec.Encode(codec.KindPushPull, local.Encode())
	if err != nil {
		return err
	}
	if err := writeStreamFrame(conn, wire); err != nil {
		return err
	}

	resp, err := readStreamFrame(conn, m.cfg.MaxFrameSize)
	if err != nil {
		return err
	}
	frame, err := m.codec.Decode(resp)
	if err != nil {
		return err
	}
	if frame.Kind != codec.KindPushPull {
		return errUnexpectedKind(frame.Kind)
	}
	remote, err := codec.DecodePushPull(frame.Payload)
	if err != nil {
		return err
	}

	if err := d.mergeRemote(remote, join); err != nil {
		return err
	}
	m.streams.CacheStream(addr, conn)
	return nil
}

// HandleInbound services one inbound push/pull stream request, bounded by
// the driver's concurrency limit: a request arriving while the limit is
// saturated is rejected immediately rather than queued (spec.md §4.5 "no
// unbounded queueing of inbound push/pull handlers").
func (d *pushPullDriver) HandleInbound(conn connLike, remote codec.PushPull) (codec.PushPull, bool) {
	select {
	case d.inflight <- struct{}{}:
	default:
		d.m.log.Warn("pushpull: inbound request rejected, concurrency limit reached")
		return codec.PushPull{}, false
	}
	defer func() { <-d.inflight }()

	if err := d.mergeRemote(remote, remote.Join); err != nil {
		d.m.log.WithError(err).Debug("pushpull: inbound join merge vetoed by delegate")
		return codec.PushPull{}, false
	}
	if remote.Join {
		d.m.log.WithField("peer", remote.States).Debug("pushpull: inbound join handshake")
	}
	return d.localSnapshot(false), true
}

// localSnapshot renders the full membership table plus the delegate's
// user-supplied payload, if any (spec.md §4.5, §6 "PushPull.user_data").
func (d *pushPullDriver) localSnapshot(join bool) codec.PushPull {
	m := d.m
	recs := m.table.Snapshot()
	states := make([]codec.NodeState, 0, len(recs))
	for _, r := range recs {
		states = append(states, codec.NodeState{
			Id:              string(r.Id),
			Addr:            r.Addr.String(),
			Meta:            r.Meta,
			Incarnation:     r.Incarnation,
			State:           uint8(r.State),
			ProtoVersion:    r.ProtocolVersion,
			DelegateVersion: r.DelegateVersion,
			From:            string(r.SuspectedBy),
		})
	}
	return codec.PushPull{
		Join:     join,
		States:   states,
		UserData: m.cfg.delegate().LocalState(join),
	}
}

// mergeRemote folds every record of a remote snapshot into the local table
// through the normal merge path, then hands any user payload to the delegate.
// join marks this exchange as a join handshake (either this node's own
// outbound join, or an inbound request where the peer is joining through us);
// in that case the delegate gets first refusal via NotifyMerge before any
// record is applied (spec.md §4.5, §7 "join veto").
func (d *pushPullDriver) mergeRemote(remote codec.PushPull, join bool) error {
	m := d.m

	if join {
		peers := make([]NodeRecord, 0, len(remote.States))
		for _, s := range remote.States {
			addr, err := parseAddress(s.Addr)
			if err != nil {
				continue
			}
			peers = append(peers, NodeRecord{
				Id:              Id(s.Id),
				Addr:            addr,
				Meta:            s.Meta,
				State:           State(s.State),
				Incarnation:     s.Incarnation,
				ProtocolVersion: s.ProtoVersion,
				DelegateVersion: s.DelegateVersion,
			})
		}
		if err := m.cfg.delegate().NotifyMerge(peers); err != nil {
			return err
		}
	}

	for _, s := range remote.States {
		addr, err := parseAddress(s.Addr)
		if err != nil {
			m.log.WithError(err).WithField("node", s.Id).Debug("pushpull: skipping unparsable address")
			continue
		}
		u := update{
			id:              Id(s.Id),
			addr:            addr,
			meta:            s.Meta,
			incarnation:     s.Incarnation,
			state:           State(s.State),
			protoVersion:    s.ProtoVersion,
			delegateVersion: s.DelegateVersion,
			from:            Id(s.From),
		}
		switch u.state {
		case StateAlive:
			m.table.applyAlive(u)
		case StateSuspect:
			m.table.applySuspect(u)
		default:
			m.table.applyDead(u)
		}
	}
	if len(remote.UserData) > 0 {
		m.cfg.delegate().MergeRemoteState(remote.UserData, remote.Join)
	}
	return nil
}

// connLike is the subset of transport.Conn the push/pull handler needs;
// declared locally so stream.go's dispatcher doesn't need to import transport
// just to satisfy this signature.
type connLike interface {
	Close() error
}

func errUnexpectedKind(k codec.Kind) error {
	return &unexpectedKindError{k: k}
}

type unexpectedKindError struct{ k codec.Kind }

func (e *unexpectedKindError) Error() string {
	return "pushpull: unexpected frame kind " + e.k.String()
}
