// Package net provides the default PacketTransport/StreamTransport
// implementation over real UDP and TCP sockets. This is the "concrete
// address resolver" and "wire transport" spec.md §1 explicitly keeps out of
// the core's scope; it lives here as the repository's default, usable
// implementation of the abstract contract, the way memberlist ships its own
// net_transport.go alongside the core state machine. Built directly on
// net.UDPConn/net.TCPConn: there is no third-party transport library in the
// retrieval pack that does raw SWIM-style packet+stream duality better than
// the standard library here (see DESIGN.md).
package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	xtransport "github.com/nimbus-cluster/membership/transport"
)

// Transport implements transport.PacketTransport and transport.StreamTransport
// over one UDP socket and one TCP listener bound to the same address.
type Transport struct {
	udpConn *net.UDPConn
	tcpLn   *net.TCPListener

	mtu int

	packetCh chan xtransport.Packet

	mu        sync.Mutex
	idlePool  map[string][]xtransport.Conn
	shutdown  bool
	shutdownC chan struct{}
	wg        sync.WaitGroup
}

// Config configures the default transport's bind address and buffer sizes.
type Config struct {
	BindAddr string
	BindPort int
	// MTU caps the size of a single datagram payload the gossip emitter will
	// attempt to send; 1400 is conservative for typical Ethernet MTUs after
	// IP/UDP overhead.
	MTU int
}

// NewTransport binds a UDP socket and a TCP listener on cfg.BindAddr:BindPort.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.MTU <= 0 {
		cfg.MTU = 1400
	}
	udpAddr := &net.UDPAddr{IP: net.ParseIP(cfg.BindAddr), Port: cfg.BindPort}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	tcpAddr := &net.TCPAddr{IP: net.ParseIP(cfg.BindAddr), Port: cfg.BindPort}
	tcpLn, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: listen tcp: %w", err)
	}

	t := &Transport{
		udpConn:   udpConn,
		tcpLn:     tcpLn,
		mtu:       cfg.MTU,
		packetCh:  make(chan xtransport.Packet, 128),
		idlePool:  make(map[string][]xtransport.Conn),
		shutdownC: make(chan struct{}),
	}

	t.wg.Add(1)
	go t.udpListen()

	return t, nil
}

func (t *Transport) udpListen() {
	defer t.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.shutdownC:
				return
			default:
			}
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case t.packetCh <- xtransport.Packet{Addr: addr, Payload: payload, Timestamp: time.Now()}:
		case <-t.shutdownC:
			return
		}
	}
}

// SendTo implements transport.PacketTransport.
func (t *Transport) SendTo(addr net.Addr, payload []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("transport: not a udp address: %v", addr)
	}
	_, err := t.udpConn.WriteToUDP(payload, udpAddr)
	return err
}

// PacketCh implements transport.PacketTransport.
func (t *Transport) PacketCh() <-chan xtransport.Packet { return t.packetCh }

// MTU implements transport.PacketTransport.
func (t *Transport) MTU() int { return t.mtu }

// ResolveAddr implements transport.PacketTransport.
func (t *Transport) ResolveAddr(hostPort string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", hostPort)
}

// DialTimeout implements transport.StreamTransport.
func (t *Transport) DialTimeout(ctx context.Context, addr net.Addr, d time.Duration) (xtransport.Conn, error) {
	if key := addr.String(); key != "" {
		t.mu.Lock()
		if pool := t.idlePool[key]; len(pool) > 0 {
			conn := pool[len(pool)-1]
			t.idlePool[key] = pool[:len(pool)-1]
			t.mu.Unlock()
			return conn, nil
		}
		t.mu.Unlock()
	}
	dialer := net.Dialer{Timeout: d}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Accept implements transport.StreamTransport.
func (t *Transport) Accept() (net.Addr, xtransport.Conn, error) {
	conn, err := t.tcpLn.AcceptTCP()
	if err != nil {
		return nil, nil, err
	}
	return conn.RemoteAddr(), conn, nil
}

// SetTimeout implements transport.StreamTransport.
func (t *Transport) SetTimeout(conn xtransport.Conn, d time.Duration) error {
	return conn.SetDeadline(time.Now().Add(d))
}

// CacheStream implements transport.StreamTransport.
func (t *Transport) CacheStream(addr net.Addr, conn xtransport.Conn) {
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		conn.Close()
		return
	}
	const maxIdlePerPeer = 4
	if len(t.idlePool[key]) >= maxIdlePerPeer {
		conn.Close()
		return
	}
	t.idlePool[key] = append(t.idlePool[key], conn)
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
	t.mu.Unlock()

	close(t.shutdownC)
	t.udpConn.Close()
	t.tcpLn.Close()
	t.wg.Wait()
	close(t.packetCh)
	return nil
}
