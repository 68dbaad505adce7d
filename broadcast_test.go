package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(clusterSize int) *broadcastQueue {
	return newBroadcastQueue(1, func() int { return clusterSize })
}

func TestRetransmitLimitFloorsAtOne(t *testing.T) {
	q := newTestQueue(0)
	assert.Equal(t, 1, q.retransmitLimit())
}

func TestRetransmitLimitScalesWithClusterSize(t *testing.T) {
	q := newBroadcastQueue(4, func() int { return 99 })
	// ceil(log10(100)) == 2, * 4 == 8
	assert.Equal(t, 8, q.retransmitLimit())
}

func TestQueueBroadcastReplacesSameKey(t *testing.T) {
	q := newTestQueue(10)
	q.QueueBroadcast("node-a", []byte("first"))
	q.QueueBroadcast("node-a", []byte("second"))

	assert.Equal(t, 1, q.Len())
	out := q.GetBroadcasts(0, 1024)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("second"), out[0])
}

func TestGetBroadcastsPrioritizesHigherTransmitCount(t *testing.T) {
	// retransmitMult=3, clusterSize=10 => limit = 3 * ceil(log10(11)) = 6.
	q := newBroadcastQueue(3, func() int { return 10 })

	q.QueueBroadcast("node-a", []byte("a"))
	out := q.GetBroadcasts(0, 1) // drains node-a's transmit count from 6 to 5
	require.Len(t, out, 1)

	q.QueueBroadcast("node-b", []byte("b")) // freshly queued at the full limit, 6

	// node-b now has strictly more remaining transmits than node-a (6 vs 5),
	// so a one-item budget must yield node-b first.
	out = q.GetBroadcasts(0, 1)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("b"), out[0])
}

func TestGetBroadcastsDropsAfterTransmitBudgetExhausted(t *testing.T) {
	q := newBroadcastQueue(1, func() int { return 0 }) // retransmitLimit == 1
	q.QueueBroadcast("node-a", []byte("a"))

	out := q.GetBroadcasts(0, 1024)
	require.Len(t, out, 1)
	assert.Equal(t, 0, q.Len())

	out = q.GetBroadcasts(0, 1024)
	assert.Empty(t, out)
}

func TestGetBroadcastsRespectsByteBudget(t *testing.T) {
	q := newTestQueue(10)
	q.QueueBroadcast("node-a", make([]byte, 100))
	q.QueueBroadcast("node-b", make([]byte, 100))

	out := q.GetBroadcasts(10, 120)
	assert.Len(t, out, 1)
	assert.Equal(t, 2, q.Len(), "the skipped item must remain queued for the next tick")
}

func TestResetClearsQueue(t *testing.T) {
	q := newTestQueue(10)
	q.QueueBroadcast("node-a", []byte("a"))
	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.GetBroadcasts(0, 1024))
}
