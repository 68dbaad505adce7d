package membership

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nimbus-cluster/membership/codec"
	"github.com/nimbus-cluster/membership/errs"
	"github.com/nimbus-cluster/membership/transport"
)

// Transport is the combined packet+stream capability Membership is built
// around (spec.md §1, §6). transport/net and transport/inmem each implement
// the whole thing from one underlying socket/switchboard.
type Transport interface {
	transport.PacketTransport
	transport.StreamTransport
}

// piggybackBudget caps how many bytes of queued broadcasts are attached to a
// direct Ack, piggybacked on the reply path rather than waiting for the next
// gossip tick (SPEC_FULL §12, grounded in the "compound-ping piggyback"
// behavior of original_source/).
const piggybackBudget = 512

// Membership is the running instance of the protocol: one node's view of
// the cluster, plus the background tasks that keep it converging (spec.md §5).
type Membership struct {
	cfg *Config
	log logrus.FieldLogger

	table      *table
	broadcasts *broadcastQueue
	acks       *ackDispatcher
	codec      *codec.Codec
	pushPull   *pushPullDriver

	probe   *probeEngine
	gossip  *gossipEmitter
	packetH *packetHandler
	streamD *streamDispatcher

	packets transport.PacketTransport
	streams transport.StreamTransport

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// NewRandomID returns a random identity suitable for Config.Id when the
// embedder has no natural stable name to use.
func NewRandomID() Id {
	return Id(uuid.NewString())
}

// Create builds a Membership bound to tr, but does not start its background
// tasks or contact any peer; call Join (possibly with zero seeds) to do that
// (spec.md §5 "Create/Join separation").
func Create(cfg *Config, tr Transport) (*Membership, error) {
	if cfg.Id == "" {
		cfg.Id = NewRandomID()
	}
	if cfg.BindAddr.Host == "" {
		return nil, fmt.Errorf("membership: Config.BindAddr must be set")
	}

	m := &Membership{
		cfg:        cfg,
		log:        cfg.logger(),
		acks:       newAckDispatcher(),
		packets:    tr,
		streams:    tr,
		shutdownCh: make(chan struct{}),
	}
	m.codec = codec.New(codec.Options{Label: cfg.Label, Compress: cfg.EnableCompression, Keyring: cfg.Keyring})
	m.broadcasts = newBroadcastQueue(cfg.RetransmitMult, func() int { return m.table.AliveCount() })
	m.table = newTable(cfg, m.broadcasts)
	m.pushPull = newPushPullDriver(m)
	m.probe = newProbeEngine(m)
	m.gossip = newGossipEmitter(m)
	m.packetH = newPacketHandler(m)
	m.streamD = newStreamDispatcher(m)

	local := NodeRecord{
		Id:              cfg.Id,
		Addr:            cfg.BindAddr,
		Meta:            cfg.delegate().NodeMeta(MetaSizeLimit),
		State:           StateAlive,
		Incarnation:     0,
		StateChangeAt:   time.Now(),
		ProtocolVersion: cfg.ProtocolVersion,
		DelegateVersion: cfg.DelegateVersion,
	}
	m.table.applyAlive(update{
		id: local.Id, addr: local.Addr, meta: local.Meta, incarnation: 0,
		state: StateAlive, protoVersion: local.ProtocolVersion, delegateVersion: local.DelegateVersion,
	})

	return m, nil
}

// Join contacts each address in seeds with a push/pull handshake, merging
// whatever cluster state comes back, then starts the background tasks
// (spec.md §5, §4.5 "join handshake"). Join succeeds if at least one seed
// answers; an empty seeds list just starts a single-node cluster.
func (m *Membership) Join(seeds []Address) (int, error) {
	contacted := 0
	var lastErr error
	for _, addr := range seeds {
		peer := NodeRecord{Id: Id(addr.String()), Addr: addr}
		if err := m.pushPull.exchange(peer, true); err != nil {
			m.log.WithError(err).WithField("seed", addr.String()).Warn("join: seed unreachable")
			lastErr = err
			continue
		}
		contacted++
	}
	if len(seeds) > 0 && contacted == 0 {
		return 0, fmt.Errorf("membership: join: no seed reachable: %w", lastErr)
	}

	m.startTasks()
	return contacted, nil
}

func (m *Membership) startTasks() {
	m.wg.Add(1)
	go func() { defer m.wg.Done(); m.packetH.serve() }()
	m.wg.Add(1)
	go func() { defer m.wg.Done(); m.streamD.serve() }()

	m.runTicker(m.cfg.ProbeInterval, m.probe.tick)
	m.runTicker(m.cfg.GossipInterval, m.gossip.tick)
	m.runTicker(m.cfg.PushPullInterval, m.pushPull.tick)
	m.runTicker(m.cfg.ReapInterval, func() { m.table.Reap(m.cfg.reapWindow()) })
}

// runTicker starts a cooperative ticker loop bound to m.shutdownCh: it never
// blocks on I/O while a timer is pending, and exits promptly on shutdown
// (spec.md §5 "no goroutine outlives Shutdown").
func (m *Membership) runTicker(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-m.shutdownCh:
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// Members returns a snapshot of every known node, Alive through
// recently-Dead (spec.md §4.1 "external observers read the table through a
// copying snapshot, never the live structure").
func (m *Membership) Members() []NodeRecord {
	return m.table.Snapshot()
}

// Local returns this node's own current record.
func (m *Membership) Local() NodeRecord {
	rec, _ := m.table.Get(m.cfg.Id)
	return rec
}

// UpdateMeta refreshes the local node's metadata and broadcasts the change
// under a freshly incremented incarnation (spec.md §4.3 local_refute use).
func (m *Membership) UpdateMeta(meta []byte) {
	local, ok := m.table.Get(m.cfg.Id)
	if !ok {
		return
	}
	m.table.applyAlive(update{
		id: m.cfg.Id, addr: local.Addr, meta: meta,
		incarnation: local.Incarnation + 1, state: StateAlive,
		protoVersion: local.ProtocolVersion, delegateVersion: local.DelegateVersion,
	})
}

// Leave announces this node as Left to the cluster and gives the broadcast a
// few gossip intervals to propagate before returning (spec.md §5 "graceful
// leave"). Shutdown should be called afterward to stop background tasks.
func (m *Membership) Leave(timeout time.Duration) error {
	local, ok := m.table.Get(m.cfg.Id)
	if !ok {
		return fmt.Errorf("membership: leave: local record missing")
	}
	m.table.applyDead(update{
		id: m.cfg.Id, addr: local.Addr, meta: local.Meta,
		incarnation: local.Incarnation + 1, state: StateLeft,
		protoVersion: local.ProtocolVersion, delegateVersion: local.DelegateVersion,
	})
	if timeout <= 0 {
		return nil
	}
	select {
	case <-time.After(timeout):
	case <-m.shutdownCh:
	}
	return nil
}

// Shutdown stops every background task and releases the transport. It is
// idempotent and safe to call more than once.
func (m *Membership) Shutdown() error {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.table.Shutdown()
		m.acks.Shutdown()
		m.broadcasts.Reset()
	})
	m.wg.Wait()
	return m.packets.Shutdown()
}

// SendUserData sends an opaque application payload once, as a UserData
// packet, to up to GossipNodes randomly chosen Alive peers, where it is
// delivered to Delegate.NotifyMessage (spec.md §6 "UserData"). It is not
// queued for re-gossip, so peers outside that sample do not receive it.
func (m *Membership) SendUserData(payload []byte) error {
	targets := m.table.SnapshotRandomK(m.cfg.GossipNodes, func(r NodeRecord) bool {
		return r.Id != m.cfg.Id && r.State == StateAlive
	})
	wire, err := m.codec.Encode(codec.KindUserData, payload)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := m.sendRaw(t.Addr, wire); err != nil {
			m.log.WithError(err).WithField("target", string(t.Id)).Debug("send user data: failed")
		}
	}
	return nil
}

// --- internal plumbing shared by probe.go/gossip.go/packet.go/stream.go ---

func (m *Membership) nodeAddr(id Id) codec.NodeAddr {
	rec, ok := m.table.Get(id)
	if !ok {
		return codec.NodeAddr{Id: string(id)}
	}
	return codec.NodeAddr{Id: string(id), Addr: rec.Addr.String()}
}

// sendPacket encodes kind+body through the codec and ships it to addr.
func (m *Membership) sendPacket(addr Address, kind codec.Kind, body []byte) error {
	wire, err := m.codec.Encode(kind, body)
	if err != nil {
		return err
	}
	return m.sendRaw(addr, wire)
}

// sendRaw ships an already-enveloped wire payload to addr.
func (m *Membership) sendRaw(addr Address, wire []byte) error {
	netAddr, err := m.packets.ResolveAddr(addr.String())
	if err != nil {
		return errs.Transport("membership: resolve addr", err)
	}
	if err := m.packets.SendTo(netAddr, wire); err != nil {
		return errs.Transport("membership: send packet", err)
	}
	return nil
}

func (m *Membership) errorResponse(err error) codec.ErrorResponse {
	return codec.ErrorResponse{Message: err.Error()}
}

// drainPiggyback renders a small compound frame of pending broadcasts to
// attach to an outbound Ack (SPEC_FULL §12 "compound-ping piggyback").
func (m *Membership) drainPiggyback() []byte {
	frames := m.broadcasts.GetBroadcasts(compoundOverhead, piggybackBudget)
	if len(frames) == 0 {
		return nil
	}
	compound, err := codec.EncodeCompound(frames)
	if err != nil {
		return nil
	}
	return compound
}

// ingestPiggyback applies the broadcasts carried in an Ack's payload the
// same way a Compound packet's sub-frames are applied.
func (m *Membership) ingestPiggyback(payload []byte) {
	frames, err := codec.DecodeCompound(payload)
	if err != nil {
		m.log.WithError(err).Debug("ingest piggyback: decode failed")
		return
	}
	for _, f := range frames {
		var state State
		switch f.Kind {
		case codec.KindAlive:
			state = StateAlive
		case codec.KindSuspect:
			state = StateSuspect
		case codec.KindDead:
			state = StateDead
		default:
			continue
		}
		ns, err := codec.DecodeNodeState(f.Payload)
		if err != nil {
			continue
		}
		addr, err := parseAddress(ns.Addr)
		if err != nil {
			continue
		}
		u := update{
			id: Id(ns.Id), addr: addr, meta: ns.Meta, incarnation: ns.Incarnation,
			state: State(ns.State), protoVersion: ns.ProtoVersion, delegateVersion: ns.DelegateVersion,
			from: Id(ns.From),
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
}
