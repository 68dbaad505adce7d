// Package transport defines the capability the membership core consumes for
// all network I/O (spec.md §1, §6). The core never dials a socket directly;
// it is constructed with a PacketTransport and a StreamTransport and knows
// nothing about their concrete implementation. Two implementations ship in
// this repository: transport/net (real UDP+TCP) and transport/inmem
// (in-process, used by the property/convergence tests in spec.md §8).
package transport

import (
	"context"
	"net"
	"time"
)

// Packet is one received datagram, tagged with its source address and the
// instant it was read (used to bound how long a stale packet is processed).
type Packet struct {
	Addr      net.Addr
	Payload   []byte
	Timestamp time.Time
}

// PacketTransport is the unreliable datagram capability (§6): the probe
// engine's direct/indirect pings and the gossip emitter's fan-out ride on it.
type PacketTransport interface {
	// SendTo writes payload to addr. Implementations do not block waiting for
	// a response; packet delivery is best-effort.
	SendTo(addr net.Addr, payload []byte) error
	// PacketCh returns the channel of inbound packets. Closed on Shutdown.
	PacketCh() <-chan Packet
	// MTU returns the transport's hint for the largest payload it can send
	// without fragmentation; the gossip emitter uses it to size compound packets.
	MTU() int
	// ResolveAddr turns a dial string ("host:port") into a net.Addr this
	// transport can SendTo.
	ResolveAddr(hostPort string) (net.Addr, error)
	Shutdown() error
}

// Conn is a reliable, ordered byte stream to one peer.
type Conn interface {
	net.Conn
}

// StreamTransport is the reliable capability (§6): push/pull exchanges and
// the stream dispatcher's inbound connections use it.
type StreamTransport interface {
	// DialTimeout opens a stream connection to addr, bounded by d.
	DialTimeout(ctx context.Context, addr net.Addr, d time.Duration) (Conn, error)
	// Accept blocks until an inbound connection arrives or the transport shuts down.
	Accept() (net.Addr, Conn, error)
	// SetTimeout sets conn's read/write deadline d from now.
	SetTimeout(conn Conn, d time.Duration) error
	// CacheStream returns a still-usable conn to an idle pool keyed by addr,
	// so a subsequent DialTimeout to the same peer can reuse it.
	CacheStream(addr net.Addr, conn Conn)
	Shutdown() error
}
