package membership

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nimbus-cluster/membership/codec"
	"github.com/nimbus-cluster/membership/errs"
	"github.com/nimbus-cluster/membership/transport"
)

// writeStreamFrame writes a single [len:u32][payload] unit to conn, the
// stream-level framing one level up from codec.Frame (spec.md §4.6: "stream
// messages are length-prefixed the same way packets are, so a handler never
// has to guess where one message ends and the next begins").
func writeStreamFrame(conn transport.Conn, payload []byte) error {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(payload)))
	if _, err := conn.Write(l[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// readStreamFrame reads one length-prefixed unit from conn, rejecting
// anything over maxSize before allocating the buffer (spec.md §7
// Resource/PayloadTooLarge, SPEC_FULL §12).
func readStreamFrame(conn transport.Conn, maxSize int) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(conn, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if maxSize > 0 && int(n) > maxSize {
		return nil, errPayloadTooLarge(n, maxSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func errPayloadTooLarge(got uint32, max int) error {
	return fmt.Errorf("stream: frame of %d bytes exceeds max %d: %w", got, max, errs.ErrPayloadTooLarge)
}

// streamDispatcher accepts inbound stream connections and routes each one's
// single request to the right handler (spec.md §4.6): PushPull exchanges, the
// TCP ping-of-last-resort, and UserData are the stream-borne message kinds;
// any other kind is answered with an ErrorResponse.
type streamDispatcher struct {
	m *Membership
}

func newStreamDispatcher(m *Membership) *streamDispatcher {
	return &streamDispatcher{m: m}
}

// serve runs the accept loop until the transport shuts down. Meant to run in
// its own goroutine for the lifetime of the Membership.
func (d *streamDispatcher) serve() {
	for {
		_, conn, err := d.m.streams.Accept()
		if err != nil {
			d.m.log.WithError(err).Debug("stream dispatcher: accept loop exiting")
			return
		}
		go d.handleConn(conn)
	}
}

func (d *streamDispatcher) handleConn(conn transport.Conn) {
	defer conn.Close()
	m := d.m

	if err := m.streams.SetTimeout(conn, m.cfg.StreamTimeout); err != nil {
		return
	}

	wire, err := readStreamFrame(conn, m.cfg.MaxFrameSize)
	if err != nil {
		m.log.WithError(err).Debug("stream dispatcher: read failed")
		if errs.IsResource(err) {
			d.reply(conn, m.errorResponse(err))
		}
		return
	}
	frame, err := m.codec.Decode(wire)
	if err != nil {
		d.reply(conn, m.errorResponse(err))
		return
	}

	switch frame.Kind {
	case codec.KindPing:
		d.handlePing(conn, frame.Payload)
	case codec.KindPushPull:
		d.handlePushPull(conn, frame.Payload)
	case codec.KindUserData:
		m.cfg.delegate().NotifyMessage(append([]byte(nil), frame.Payload...))
	default:
		d.reply(conn, m.errorResponse(fmt.Errorf("stream dispatcher: unexpected kind %s", frame.Kind)))
	}
}

func (d *streamDispatcher) handlePing(conn transport.Conn, payload []byte) {
	m := d.m
	ping, err := codec.DecodePing(payload)
	if err != nil {
		d.reply(conn, m.errorResponse(err))
		return
	}
	ack := codec.Ack{Seq: ping.Seq}
	wire, err := m.codec.Encode(codec.KindAck, ack.Encode())
	if err != nil {
		return
	}
	_ = writeStreamFrame(conn, wire)
}

func (d *streamDispatcher) handlePushPull(conn transport.Conn, payload []byte) {
	m := d.m
	remote, err := codec.DecodePushPull(payload)
	if err != nil {
		d.reply(conn, m.errorResponse(err))
		return
	}
	local, ok := m.pushPull.HandleInbound(conn, remote)
	if !ok {
		d.reply(conn, m.errorResponse(errs.ErrTooManyPushPulls))
		return
	}
	wire, err := m.codec.Encode(codec.KindPushPull, local.Encode())
	if err != nil {
		return
	}
	_ = writeStreamFrame(conn, wire)
}

func (d *streamDispatcher) reply(conn transport.Conn, resp codec.ErrorResponse) {
	m := d.m
	wire, err := m.codec.Encode(codec.KindErrorResponse, resp.Encode())
	if err != nil {
		return
	}
	_ = writeStreamFrame(conn, wire)
}
