// Package inmem provides a simulated, in-process transport used by the
// convergence and no-deadlock property tests (spec.md §8): many peers share
// one process-local switchboard instead of real sockets, and packet loss is
// injected deterministically instead of relying on OS network conditions.
package inmem

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	xtransport "github.com/nimbus-cluster/membership/transport"
)

// Addr is the in-memory address: just a name.
type Addr string

func (a Addr) Network() string { return "inmem" }
func (a Addr) String() string  { return string(a) }

// Switchboard is the shared medium a set of in-memory transports register
// with; it is what actually "delivers" (or drops) packets between them.
type Switchboard struct {
	mu      sync.RWMutex
	members map[Addr]*Transport
	lossPct float64
	rng     *rand.Rand
}

// NewSwitchboard creates a switchboard with the given uniform packet loss
// probability in [0,1] (1 drops every packet) and a deterministic seed for
// reproducible tests.
func NewSwitchboard(lossPct float64, seed int64) *Switchboard {
	return &Switchboard{
		members: make(map[Addr]*Transport),
		lossPct: lossPct,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (s *Switchboard) register(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[t.addr] = t
}

func (s *Switchboard) unregister(addr Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, addr)
}

func (s *Switchboard) deliver(from, to Addr, payload []byte) error {
	s.mu.Lock()
	dropped := s.lossPct > 0 && s.rng.Float64() < s.lossPct
	target := s.members[to]
	s.mu.Unlock()

	if dropped {
		return nil
	}
	if target == nil {
		return fmt.Errorf("inmem: no such peer %s", to)
	}
	target.deliverPacket(from, payload)
	return nil
}

// Transport implements transport.PacketTransport and transport.StreamTransport
// against a shared Switchboard.
type Transport struct {
	addr  Addr
	board *Switchboard

	packetCh chan xtransport.Packet

	mu       sync.Mutex
	listenC  chan connPair
	idlePool map[Addr][]xtransport.Conn
	shutdown bool
}

type connPair struct {
	addr Addr
	conn xtransport.Conn
}

// NewTransport registers a new peer with name addr on board.
func NewTransport(board *Switchboard, addr Addr) *Transport {
	t := &Transport{
		addr:     addr,
		board:    board,
		packetCh: make(chan xtransport.Packet, 128),
		listenC:  make(chan connPair, 16),
		idlePool: make(map[Addr][]xtransport.Conn),
	}
	board.register(t)
	return t
}

func (t *Transport) deliverPacket(from Addr, payload []byte) {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	select {
	case t.packetCh <- xtransport.Packet{Addr: from, Payload: payload, Timestamp: time.Now()}:
	default:
	}
}

// SendTo implements transport.PacketTransport.
func (t *Transport) SendTo(addr net.Addr, payload []byte) error {
	to, ok := addr.(Addr)
	if !ok {
		return fmt.Errorf("inmem: not an inmem address: %v", addr)
	}
	return t.board.deliver(t.addr, to, payload)
}

// PacketCh implements transport.PacketTransport.
func (t *Transport) PacketCh() <-chan xtransport.Packet { return t.packetCh }

// MTU implements transport.PacketTransport; generous since there is no real wire.
func (t *Transport) MTU() int { return 65536 }

// ResolveAddr implements transport.PacketTransport.
func (t *Transport) ResolveAddr(hostPort string) (net.Addr, error) {
	return Addr(hostPort), nil
}

// DialTimeout implements transport.StreamTransport using an in-process pipe.
func (t *Transport) DialTimeout(ctx context.Context, addr net.Addr, d time.Duration) (xtransport.Conn, error) {
	to, ok := addr.(Addr)
	if !ok {
		return nil, fmt.Errorf("inmem: not an inmem address: %v", addr)
	}
	t.board.mu.RLock()
	target := t.board.members[to]
	t.board.mu.RUnlock()
	if target == nil {
		return nil, fmt.Errorf("inmem: no such peer %s", to)
	}

	client, server := net.Pipe()
	select {
	case target.listenC <- connPair{addr: t.addr, conn: server}:
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	case <-time.After(d):
		client.Close()
		server.Close()
		return nil, fmt.Errorf("inmem: dial %s timed out", to)
	}
	return client, nil
}

// Accept implements transport.StreamTransport.
func (t *Transport) Accept() (net.Addr, xtransport.Conn, error) {
	pair, ok := <-t.listenC
	if !ok {
		return nil, nil, fmt.Errorf("inmem: transport shut down")
	}
	return pair.addr, pair.conn, nil
}

// SetTimeout implements transport.StreamTransport.
func (t *Transport) SetTimeout(conn xtransport.Conn, d time.Duration) error {
	return conn.SetDeadline(time.Now().Add(d))
}

// CacheStream implements transport.StreamTransport.
func (t *Transport) CacheStream(addr net.Addr, conn xtransport.Conn) {
	to, ok := addr.(Addr)
	if !ok {
		conn.Close()
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		conn.Close()
		return
	}
	t.idlePool[to] = append(t.idlePool[to], conn)
}

// Shutdown implements both capability interfaces.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	for _, pool := range t.idlePool {
		for _, c := range pool {
			c.Close()
		}
	}
	t.idlePool = nil
	close(t.listenC)
	t.mu.Unlock()

	t.board.unregister(t.addr)
	close(t.packetCh)
	return nil
}
