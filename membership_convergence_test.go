package membership_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cluster/membership"
	"github.com/nimbus-cluster/membership/keyring"
	"github.com/nimbus-cluster/membership/transport/inmem"
)

// fastConfig returns a config tuned for quick convergence in tests: every
// timing knob is shrunk well below production defaults.
func fastConfig(name string) *membership.Config {
	cfg := membership.DefaultLANConfig()
	cfg.Id = membership.Id(name)
	cfg.BindAddr = membership.Address{Host: name, Port: 0}
	cfg.GossipInterval = 15 * time.Millisecond
	cfg.ProbeInterval = 25 * time.Millisecond
	cfg.ProbeTimeout = 40 * time.Millisecond
	cfg.IndirectChecks = 2
	cfg.SuspicionMult = 3
	cfg.SuspicionMinTimeout = 30 * time.Millisecond
	cfg.SuspicionMaxTimeout = 120 * time.Millisecond
	cfg.PushPullInterval = 40 * time.Millisecond
	cfg.ReapInterval = 30 * time.Millisecond
	return cfg
}

func newNode(t *testing.T, board *inmem.Switchboard, name string, cfg *membership.Config) (*membership.Membership, membership.Address) {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig(name)
	}
	addr := cfg.BindAddr
	tr := inmem.NewTransport(board, inmem.Addr(addr.String()))
	m, err := membership.Create(cfg, tr)
	require.NoError(t, err)
	return m, addr
}

func aliveIds(m *membership.Membership) map[membership.Id]bool {
	out := map[membership.Id]bool{}
	for _, r := range m.Members() {
		if r.State == membership.StateAlive {
			out[r.Id] = true
		}
	}
	return out
}

// S1: a fresh node joining a single-node cluster converges to full mutual
// visibility within a handful of gossip/push-pull rounds.
func TestConvergenceTwoNodeJoin(t *testing.T) {
	board := inmem.NewSwitchboard(0, 1)

	a, addrA := newNode(t, board, "node-a", nil)
	defer a.Shutdown()
	_, err := a.Join(nil)
	require.NoError(t, err)

	b, _ := newNode(t, board, "node-b", nil)
	defer b.Shutdown()
	_, err = b.Join([]membership.Address{addrA})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return aliveIds(a)["node-b"] && aliveIds(b)["node-a"]
	}, 2*time.Second, 10*time.Millisecond, "both nodes must observe each other as alive")
}

// S2: when a node goes silent (its transport is torn down without a
// graceful Leave), the rest of the cluster must suspect then mark it dead.
func TestConvergenceSuspicionToDead(t *testing.T) {
	board := inmem.NewSwitchboard(0, 2)

	a, addrA := newNode(t, board, "node-a", nil)
	defer a.Shutdown()
	_, err := a.Join(nil)
	require.NoError(t, err)

	b, addrB := newNode(t, board, "node-b", nil)
	defer b.Shutdown()
	_, err = b.Join([]membership.Address{addrA})
	require.NoError(t, err)

	c, _ := newNode(t, board, "node-c", nil)
	_, err = c.Join([]membership.Address{addrA, addrB})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(aliveIds(a)) == 3 && len(aliveIds(b)) == 3
	}, 2*time.Second, 10*time.Millisecond, "all three nodes must converge before the crash")

	// simulate a crash: rip the transport out from under node-c without a
	// graceful Leave, so the rest of the cluster only has silence to go on.
	require.NoError(t, c.Shutdown())

	require.Eventually(t, func() bool {
		ra, aok := lookup(a, "node-c")
		rb, bok := lookup(b, "node-c")
		return aok && ra.State == membership.StateDead && bok && rb.State == membership.StateDead
	}, 5*time.Second, 20*time.Millisecond, "node-c must be marked dead after it stops responding")
}

func lookup(m *membership.Membership, id membership.Id) (membership.NodeRecord, bool) {
	for _, r := range m.Members() {
		if r.Id == id {
			return r, true
		}
	}
	return membership.NodeRecord{}, false
}

// S3: a late-joining node that contacts only node-b learns about node-a
// transitively, and node-a learns about it, through the join push/pull plus
// the regular gossip and push/pull rounds.
func TestConvergenceLateJoinerLearnsClusterTransitively(t *testing.T) {
	board := inmem.NewSwitchboard(0, 3)

	a, addrA := newNode(t, board, "node-a", nil)
	defer a.Shutdown()
	_, err := a.Join(nil)
	require.NoError(t, err)

	b, addrB := newNode(t, board, "node-b", nil)
	defer b.Shutdown()
	_, err = b.Join([]membership.Address{addrA})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return aliveIds(a)["node-b"] && aliveIds(b)["node-a"]
	}, 2*time.Second, 10*time.Millisecond)

	c, _ := newNode(t, board, "node-c", nil)
	defer c.Shutdown()
	_, err = c.Join([]membership.Address{addrB})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return aliveIds(c)["node-a"] && aliveIds(c)["node-b"] && aliveIds(a)["node-c"]
	}, 2*time.Second, 10*time.Millisecond, "node-c must learn about node-a transitively, and node-a about node-c")
}

// S4: a cluster with encryption and compression enabled converges exactly
// like a plaintext one; the envelope layers must be transparent to the
// protocol above them.
func TestConvergenceEncryptedAndCompressedCluster(t *testing.T) {
	board := inmem.NewSwitchboard(0, 4)

	key := make(keyring.Key, 32)
	for i := range key {
		key[i] = byte(i)
	}
	kr, err := keyring.New(key)
	require.NoError(t, err)

	secureConfig := func(name string) *membership.Config {
		cfg := fastConfig(name)
		cfg.Keyring = kr
		cfg.EnableCompression = true
		cfg.Label = "secure-cluster"
		return cfg
	}

	a, addrA := newNode(t, board, "node-a", secureConfig("node-a"))
	defer a.Shutdown()
	_, err = a.Join(nil)
	require.NoError(t, err)

	b, _ := newNode(t, board, "node-b", secureConfig("node-b"))
	defer b.Shutdown()
	_, err = b.Join([]membership.Address{addrA})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return aliveIds(a)["node-b"] && aliveIds(b)["node-a"]
	}, 2*time.Second, 10*time.Millisecond, "an encrypted+compressed cluster must still converge")
}

// S5: a graceful Leave propagates to the rest of the cluster as a Left
// record, distinct from a crash-induced Dead.
func TestConvergenceGracefulLeavePropagates(t *testing.T) {
	board := inmem.NewSwitchboard(0, 5)

	a, addrA := newNode(t, board, "node-a", nil)
	defer a.Shutdown()
	_, err := a.Join(nil)
	require.NoError(t, err)

	b, _ := newNode(t, board, "node-b", nil)
	_, err = b.Join([]membership.Address{addrA})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return aliveIds(a)["node-b"] && aliveIds(b)["node-a"]
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Leave(200*time.Millisecond))
	require.NoError(t, b.Shutdown())

	require.Eventually(t, func() bool {
		rec, ok := lookup(a, "node-b")
		return ok && rec.State == membership.StateLeft
	}, 2*time.Second, 10*time.Millisecond, "a graceful leave must be observed as Left, not Dead")
}

// S6: concurrent joins and leaves across several nodes must not deadlock or
// hang any node's Shutdown.
func TestConvergenceNoDeadlockUnderChurn(t *testing.T) {
	board := inmem.NewSwitchboard(0.05, 6) // light packet loss to stress retries
	const n = 6

	var nodes []*membership.Membership
	seed, seedAddr := newNode(t, board, "node-0", nil)
	_, err := seed.Join(nil)
	require.NoError(t, err)
	nodes = append(nodes, seed)

	for i := 1; i < n; i++ {
		name := "node-" + string(rune('0'+i))
		m, _ := newNode(t, board, name, nil)
		_, err := m.Join([]membership.Address{seedAddr})
		require.NoError(t, err)
		nodes = append(nodes, m)
	}

	require.Eventually(t, func() bool {
		for _, m := range nodes {
			if len(aliveIds(m)) < n {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "every node must see the full cluster before churn starts")

	// half the nodes leave concurrently, half stay up.
	done := make(chan struct{}, n/2)
	for i := 0; i < n/2; i++ {
		go func(m *membership.Membership) {
			defer func() { done <- struct{}{} }()
			_ = m.Leave(50 * time.Millisecond)
			_ = m.Shutdown()
		}(nodes[i])
	}
	for i := 0; i < n/2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("a node's Leave+Shutdown never returned: suspected deadlock")
		}
	}

	for i := n / 2; i < n; i++ {
		require.NoError(t, nodes[i].Shutdown())
	}

	assert.True(t, true, "reaching here without timeout proves no deadlock occurred")
}
