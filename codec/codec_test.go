package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cluster/membership/keyring"
)

func TestFrameRoundTrip(t *testing.T) {
	wire := EncodeFrame(KindPing, []byte("hello"))
	frame, n, err := DecodeFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, KindPing, frame.Kind)
	assert.Equal(t, []byte("hello"), frame.Payload)
}

func TestDecodeFrameRejectsTruncatedPayload(t *testing.T) {
	wire := EncodeFrame(KindAck, []byte("0123456789"))
	_, _, err := DecodeFrame(wire[:len(wire)-3])
	assert.Error(t, err)
}

func TestCompoundRoundTrip(t *testing.T) {
	frames := [][]byte{
		EncodeFrame(KindAlive, []byte("node-a")),
		EncodeFrame(KindSuspect, []byte("node-b")),
		EncodeFrame(KindDead, []byte("node-c")),
	}
	compound, err := EncodeCompound(frames)
	require.NoError(t, err)

	decoded, err := DecodeCompound(compound)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, KindAlive, decoded[0].Kind)
	assert.Equal(t, []byte("node-a"), decoded[0].Payload)
	assert.Equal(t, KindSuspect, decoded[1].Kind)
	assert.Equal(t, KindDead, decoded[2].Kind)
}

func TestPingEncodeDecode(t *testing.T) {
	p := Ping{
		Seq:    42,
		Source: NodeAddr{Id: "node-a", Addr: "10.0.0.1:7946"},
		Target: NodeAddr{Id: "node-b", Addr: "10.0.0.2:7946"},
	}
	decoded, err := DecodePing(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestPushPullEncodeDecode(t *testing.T) {
	pp := PushPull{
		Join: true,
		States: []NodeState{
			{Id: "a", Addr: "1.2.3.4:7946", Meta: []byte("m1"), Incarnation: 1, State: 0},
			{Id: "b", Addr: "1.2.3.5:7946", Incarnation: 7, State: 2},
		},
		UserData: []byte("app-payload"),
	}
	decoded, err := DecodePushPull(pp.Encode())
	require.NoError(t, err)
	assert.Equal(t, pp.Join, decoded.Join)
	assert.Equal(t, pp.UserData, decoded.UserData)
	require.Len(t, decoded.States, 2)
	assert.Equal(t, pp.States[0].Id, decoded.States[0].Id)
	assert.Equal(t, pp.States[0].Meta, decoded.States[0].Meta)
	assert.Equal(t, pp.States[1].Incarnation, decoded.States[1].Incarnation)
}

func TestNodeStateEncodeDecodeCarriesFrom(t *testing.T) {
	ns := NodeState{
		Id:          "a",
		Addr:        "1.2.3.4:7946",
		Incarnation: 3,
		State:       1,
		From:        "accuser-node",
	}
	decoded, err := DecodeNodeState(ns.Encode())
	require.NoError(t, err)
	assert.Equal(t, ns.From, decoded.From)
	assert.Equal(t, ns.Id, decoded.Id)
}

func TestPushPullEncodeDecodePreservesSuspectFrom(t *testing.T) {
	pp := PushPull{
		States: []NodeState{
			{Id: "a", Addr: "1.2.3.4:7946", State: 1, Incarnation: 2, From: "b"},
		},
	}
	decoded, err := DecodePushPull(pp.Encode())
	require.NoError(t, err)
	require.Len(t, decoded.States, 1)
	assert.Equal(t, "b", decoded.States[0].From)
}

func TestCodecEncodeDecodePlain(t *testing.T) {
	c := New(Options{})
	wire, err := c.Encode(KindUserData, []byte("payload"))
	require.NoError(t, err)

	frame, err := c.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, KindUserData, frame.Kind)
	assert.Equal(t, []byte("payload"), frame.Payload)
}

func TestCodecEncodeDecodeWithCompression(t *testing.T) {
	c := New(Options{Compress: true})
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	wire, err := c.Encode(KindPushPull, payload)
	require.NoError(t, err)

	frame, err := c.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, payload, frame.Payload)
}

func TestCodecEncodeDecodeWithEncryption(t *testing.T) {
	key := make(keyring.Key, 32)
	for i := range key {
		key[i] = byte(i)
	}
	kr, err := keyring.New(key)
	require.NoError(t, err)

	c := New(Options{Keyring: kr, Label: "test-cluster"})
	wire, err := c.Encode(KindAlive, []byte("node state"))
	require.NoError(t, err)

	frame, err := c.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte("node state"), frame.Payload)
}

func TestCodecRejectsLabelMismatch(t *testing.T) {
	sender := New(Options{Label: "cluster-a"})
	receiver := New(Options{Label: "cluster-b"})

	wire, err := sender.Encode(KindPing, []byte("x"))
	require.NoError(t, err)

	_, err = receiver.Decode(wire)
	assert.Error(t, err)
}

func TestCodecTriesEveryInstalledKey(t *testing.T) {
	oldKey := make(keyring.Key, 32)
	newKey := make(keyring.Key, 32)
	for i := range oldKey {
		oldKey[i] = byte(i)
		newKey[i] = byte(255 - i)
	}

	senderRing, err := keyring.New(oldKey)
	require.NoError(t, err)
	sender := New(Options{Keyring: senderRing})
	wire, err := sender.Encode(KindAlive, []byte("payload"))
	require.NoError(t, err)

	receiverRing, err := keyring.New(newKey, oldKey)
	require.NoError(t, err)
	receiver := New(Options{Keyring: receiverRing})

	frame, err := receiver.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), frame.Payload)
}
