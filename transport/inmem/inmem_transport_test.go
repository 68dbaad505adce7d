package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendToDeliversPacketToPeer(t *testing.T) {
	board := NewSwitchboard(0, 1)
	a := NewTransport(board, "a")
	b := NewTransport(board, "b")
	defer a.Shutdown()
	defer b.Shutdown()

	addrB, err := a.ResolveAddr("b")
	require.NoError(t, err)
	require.NoError(t, a.SendTo(addrB, []byte("hello")))

	select {
	case pkt := <-b.PacketCh():
		assert.Equal(t, []byte("hello"), pkt.Payload)
		assert.Equal(t, Addr("a"), pkt.Addr)
	case <-time.After(time.Second):
		t.Fatal("packet never arrived")
	}
}

func TestSendToUnknownPeerErrors(t *testing.T) {
	board := NewSwitchboard(0, 1)
	a := NewTransport(board, "a")
	defer a.Shutdown()

	err := a.SendTo(Addr("ghost"), []byte("x"))
	assert.Error(t, err)
}

func TestFullPacketLossDropsPackets(t *testing.T) {
	board := NewSwitchboard(1.0, 42) // 100% loss
	a := NewTransport(board, "a")
	b := NewTransport(board, "b")
	defer a.Shutdown()
	defer b.Shutdown()

	require.NoError(t, a.SendTo(Addr("b"), []byte("dropped")))

	select {
	case <-b.PacketCh():
		t.Fatal("packet should have been dropped under 100% loss")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDialAndAcceptEstablishAStream(t *testing.T) {
	board := NewSwitchboard(0, 1)
	a := NewTransport(board, "a")
	b := NewTransport(board, "b")
	defer a.Shutdown()
	defer b.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		remote, conn, err := b.Accept()
		require.NoError(t, err)
		assert.Equal(t, Addr("a"), remote)
		buf := make([]byte, 5)
		_, err = conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := a.DialTimeout(ctx, Addr("b"), time.Second)
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accept goroutine never finished")
	}
	conn.Close()
}

func TestDialTimeoutToUnknownPeerErrors(t *testing.T) {
	board := NewSwitchboard(0, 1)
	a := NewTransport(board, "a")
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.DialTimeout(ctx, Addr("ghost"), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestShutdownClosesPacketChannelAndUnregisters(t *testing.T) {
	board := NewSwitchboard(0, 1)
	a := NewTransport(board, "a")
	require.NoError(t, a.Shutdown())

	_, open := <-a.PacketCh()
	assert.False(t, open, "packet channel must be closed after Shutdown")

	// Sending to a shut-down (unregistered) peer now fails.
	b := NewTransport(board, "b")
	defer b.Shutdown()
	err := b.SendTo(Addr("a"), []byte("x"))
	assert.Error(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	board := NewSwitchboard(0, 1)
	a := NewTransport(board, "a")
	require.NoError(t, a.Shutdown())
	require.NoError(t, a.Shutdown())
}

func TestCacheStreamClosesConnAfterShutdown(t *testing.T) {
	board := NewSwitchboard(0, 1)
	a := NewTransport(board, "a")
	b := NewTransport(board, "b")
	defer b.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := b.DialTimeout(ctx, Addr("a"), time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Shutdown())
	a.CacheStream(Addr("b"), conn) // must not panic; conn gets closed, not pooled
}
