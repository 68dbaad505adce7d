// Package codec implements the wire framing, message structs, and
// compression/encryption envelope described in spec.md §6 and §4.9.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tags every frame's payload type (spec.md §6).
type Kind uint8

const (
	KindPing Kind = iota
	KindIndirectPing
	KindAck
	KindNack
	KindSuspect
	KindAlive
	KindDead
	KindUserData
	KindPushPull
	KindCompound
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "Ping"
	case KindIndirectPing:
		return "IndirectPing"
	case KindAck:
		return "Ack"
	case KindNack:
		return "Nack"
	case KindSuspect:
		return "Suspect"
	case KindAlive:
		return "Alive"
	case KindDead:
		return "Dead"
	case KindUserData:
		return "UserData"
	case KindPushPull:
		return "PushPull"
	case KindCompound:
		return "Compound"
	case KindErrorResponse:
		return "ErrorResponse"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// --- primitive helpers -------------------------------------------------

func putString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", fmt.Errorf("codec: read string length: %w", err)
	}
	n := binary.BigEndian.Uint16(l[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil && n > 0 {
		return "", fmt.Errorf("codec: read string body: %w", err)
	}
	return string(buf), nil
}

func putBytesU16(buf *bytes.Buffer, b []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func getBytesU16(r *bytes.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, fmt.Errorf("codec: read bytes16 length: %w", err)
	}
	n := binary.BigEndian.Uint16(l[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("codec: read bytes16 body: %w", err)
		}
	}
	return out, nil
}

func putBytesU32(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func getBytesU32(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, fmt.Errorf("codec: read bytes32 length: %w", err)
	}
	n := binary.BigEndian.Uint32(l[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("codec: read bytes32 body: %w", err)
		}
	}
	return out, nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("codec: read u32: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// --- addresses -----------------------------------------------------------

// NodeAddr names a peer on the wire: an id plus a "host:port" address string.
type NodeAddr struct {
	Id   string
	Addr string
}

func putNodeAddr(buf *bytes.Buffer, a NodeAddr) {
	putString(buf, a.Id)
	putString(buf, a.Addr)
}

func getNodeAddr(r *bytes.Reader) (NodeAddr, error) {
	id, err := getString(r)
	if err != nil {
		return NodeAddr{}, err
	}
	addr, err := getString(r)
	if err != nil {
		return NodeAddr{}, err
	}
	return NodeAddr{Id: id, Addr: addr}, nil
}

// --- Ping / IndirectPing / Ack / Nack -------------------------------------

// Ping is a direct liveness probe (spec.md §4.2, §6).
type Ping struct {
	Seq    uint32
	Source NodeAddr
	Target NodeAddr
}

func (p Ping) Encode() []byte {
	var buf bytes.Buffer
	putU32(&buf, p.Seq)
	putNodeAddr(&buf, p.Source)
	putNodeAddr(&buf, p.Target)
	return buf.Bytes()
}

func DecodePing(payload []byte) (Ping, error) {
	r := bytes.NewReader(payload)
	seq, err := getU32(r)
	if err != nil {
		return Ping{}, err
	}
	src, err := getNodeAddr(r)
	if err != nil {
		return Ping{}, err
	}
	tgt, err := getNodeAddr(r)
	if err != nil {
		return Ping{}, err
	}
	return Ping{Seq: seq, Source: src, Target: tgt}, nil
}

// IndirectPing asks a relay to probe Target on the sender's behalf (spec.md §4.2).
type IndirectPing struct {
	Seq    uint32
	Source NodeAddr
	Target NodeAddr
}

func (p IndirectPing) Encode() []byte {
	var buf bytes.Buffer
	putU32(&buf, p.Seq)
	putNodeAddr(&buf, p.Source)
	putNodeAddr(&buf, p.Target)
	return buf.Bytes()
}

func DecodeIndirectPing(payload []byte) (IndirectPing, error) {
	r := bytes.NewReader(payload)
	seq, err := getU32(r)
	if err != nil {
		return IndirectPing{}, err
	}
	src, err := getNodeAddr(r)
	if err != nil {
		return IndirectPing{}, err
	}
	tgt, err := getNodeAddr(r)
	if err != nil {
		return IndirectPing{}, err
	}
	return IndirectPing{Seq: seq, Source: src, Target: tgt}, nil
}

// Ack acknowledges a Ping/IndirectPing, optionally carrying piggybacked
// broadcasts in Payload (spec.md §6).
type Ack struct {
	Seq     uint32
	Payload []byte
}

func (a Ack) Encode() []byte {
	var buf bytes.Buffer
	putU32(&buf, a.Seq)
	putBytesU32(&buf, a.Payload)
	return buf.Bytes()
}

func DecodeAck(payload []byte) (Ack, error) {
	r := bytes.NewReader(payload)
	seq, err := getU32(r)
	if err != nil {
		return Ack{}, err
	}
	pb, err := getBytesU32(r)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Seq: seq, Payload: pb}, nil
}

// Nack is an acknowledged miss: the target is reachable but not by the prober
// directly (spec.md §4.2).
type Nack struct {
	Seq     uint32
	Payload []byte
}

func (n Nack) Encode() []byte {
	var buf bytes.Buffer
	putU32(&buf, n.Seq)
	putBytesU32(&buf, n.Payload)
	return buf.Bytes()
}

func DecodeNack(payload []byte) (Nack, error) {
	r := bytes.NewReader(payload)
	seq, err := getU32(r)
	if err != nil {
		return Nack{}, err
	}
	pb, err := getBytesU32(r)
	if err != nil {
		return Nack{}, err
	}
	return Nack{Seq: seq, Payload: pb}, nil
}

// --- NodeState (shared shape for Suspect/Alive/Dead and PushPull states) --

// NodeState is the per-node record exchanged in gossip broadcasts and
// push/pull snapshots (spec.md §3, §6 "Per-state"). From carries the id that
// originated a Suspect claim (spec.md §4.1 apply_suspect(s, from), §4.3
// confirmation counting); it is empty for Alive/Dead states.
type NodeState struct {
	Id              string
	Addr            string
	Meta            []byte
	Incarnation     uint32
	State           uint8
	ProtoVersion    uint8
	DelegateVersion uint8
	From            string
}

func putNodeState(buf *bytes.Buffer, s NodeState) {
	putString(buf, s.Id)
	putString(buf, s.Addr)
	putBytesU16(buf, s.Meta)
	putU32(buf, s.Incarnation)
	buf.WriteByte(s.State)
	buf.WriteByte(s.ProtoVersion)
	buf.WriteByte(s.DelegateVersion)
	putString(buf, s.From)
}

func getNodeState(r *bytes.Reader) (NodeState, error) {
	id, err := getString(r)
	if err != nil {
		return NodeState{}, err
	}
	addr, err := getString(r)
	if err != nil {
		return NodeState{}, err
	}
	meta, err := getBytesU16(r)
	if err != nil {
		return NodeState{}, err
	}
	inc, err := getU32(r)
	if err != nil {
		return NodeState{}, err
	}
	var tail [3]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return NodeState{}, fmt.Errorf("codec: read node state tail: %w", err)
	}
	from, err := getString(r)
	if err != nil {
		return NodeState{}, err
	}
	return NodeState{
		Id: id, Addr: addr, Meta: meta, Incarnation: inc,
		State: tail[0], ProtoVersion: tail[1], DelegateVersion: tail[2],
		From: from,
	}, nil
}

func (s NodeState) Encode() []byte {
	var buf bytes.Buffer
	putNodeState(&buf, s)
	return buf.Bytes()
}

func DecodeNodeState(payload []byte) (NodeState, error) {
	return getNodeState(bytes.NewReader(payload))
}

// --- PushPull --------------------------------------------------------------

// PushPull carries a full-state snapshot for anti-entropy sync (spec.md §4.5, §6).
type PushPull struct {
	Join     bool
	States   []NodeState
	UserData []byte
}

func (p PushPull) Encode() []byte {
	var buf bytes.Buffer
	if p.Join {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(p.States)))
	buf.Write(cnt[:])
	for _, s := range p.States {
		putNodeState(&buf, s)
	}
	putBytesU32(&buf, p.UserData)
	return buf.Bytes()
}

func DecodePushPull(payload []byte) (PushPull, error) {
	r := bytes.NewReader(payload)
	joinByte, err := r.ReadByte()
	if err != nil {
		return PushPull{}, fmt.Errorf("codec: read pushpull join: %w", err)
	}
	count, err := getU32(r)
	if err != nil {
		return PushPull{}, err
	}
	states := make([]NodeState, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := getNodeState(r)
		if err != nil {
			return PushPull{}, err
		}
		states = append(states, s)
	}
	userData, err := getBytesU32(r)
	if err != nil {
		return PushPull{}, err
	}
	return PushPull{Join: joinByte == 1, States: states, UserData: userData}, nil
}

// --- ErrorResponse ----------------------------------------------------------

// ErrorResponse is returned over stream transports when a frame fails to
// decode (spec.md §7): never sent over packet transports.
type ErrorResponse struct {
	Message string
}

func (e ErrorResponse) Encode() []byte {
	var buf bytes.Buffer
	putString(&buf, e.Message)
	return buf.Bytes()
}

func DecodeErrorResponse(payload []byte) (ErrorResponse, error) {
	r := bytes.NewReader(payload)
	msg, err := getString(r)
	if err != nil {
		return ErrorResponse{}, err
	}
	return ErrorResponse{Message: msg}, nil
}

// --- Frame / Compound --------------------------------------------------------

// Frame is one wire unit: [kind:u8][len:u32][payload].
type Frame struct {
	Kind    Kind
	Payload []byte
}

// EncodeFrame serializes a single frame.
func EncodeFrame(kind Kind, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(kind))
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(payload)))
	buf.Write(l[:])
	buf.Write(payload)
	return buf.Bytes()
}

// DecodeFrame parses exactly one frame from the front of b, returning the
// frame and the number of bytes consumed.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < 5 {
		return Frame{}, 0, fmt.Errorf("codec: frame too short")
	}
	kind := Kind(b[0])
	n := binary.BigEndian.Uint32(b[1:5])
	if uint32(len(b)-5) < n {
		return Frame{}, 0, fmt.Errorf("codec: frame payload truncated")
	}
	payload := b[5 : 5+n]
	return Frame{Kind: kind, Payload: payload}, 5 + int(n), nil
}

// EncodeCompound packs multiple already-encoded frames into one Compound frame
// payload: [count:u8]([len:u16][subframe])*. The caller wraps the result with
// EncodeFrame(KindCompound, ...).
func EncodeCompound(frames [][]byte) ([]byte, error) {
	if len(frames) > 255 {
		return nil, fmt.Errorf("codec: too many compound sub-frames: %d", len(frames))
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(len(frames)))
	for _, f := range frames {
		if len(f) > 0xFFFF {
			return nil, fmt.Errorf("codec: sub-frame too large for compound: %d bytes", len(f))
		}
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(f)))
		buf.Write(l[:])
		buf.Write(f)
	}
	return buf.Bytes(), nil
}

// DecodeCompound splits a Compound frame's payload back into its sub-frames
// (each still a complete, independently-decodable Frame).
func DecodeCompound(payload []byte) ([]Frame, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("codec: compound payload too short")
	}
	count := int(payload[0])
	rest := payload[1:]
	frames := make([]Frame, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 2 {
			return nil, fmt.Errorf("codec: compound sub-frame length missing")
		}
		n := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if len(rest) < int(n) {
			return nil, fmt.Errorf("codec: compound sub-frame truncated")
		}
		sub := rest[:n]
		rest = rest[n:]
		frame, _, err := DecodeFrame(sub)
		if err != nil {
			return nil, fmt.Errorf("codec: decode compound sub-frame %d: %w", i, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
