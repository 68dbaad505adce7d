package membership

import (
	"container/heap"
	"math"
	"sync"
)

// broadcastItem is one pending gossip item: the already-encoded message plus
// a remaining-transmit budget and the key (node id) that a replacement
// update collapses onto (spec.md §3 "Broadcast item", §4.4).
type broadcastItem struct {
	key       Id
	payload   []byte
	transmits int
	seq       uint64 // enqueue order, used as the FIFO tie-break
	index     int    // heap.Interface bookkeeping
}

// broadcastHeap orders items by (remaining-transmits descending,
// enqueue-time ascending), per spec.md §4.4's queue discipline.
type broadcastHeap []*broadcastItem

func (h broadcastHeap) Len() int { return len(h) }
func (h broadcastHeap) Less(i, j int) bool {
	if h[i].transmits != h[j].transmits {
		return h[i].transmits > h[j].transmits
	}
	return h[i].seq < h[j].seq
}
func (h broadcastHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *broadcastHeap) Push(x any) {
	item := x.(*broadcastItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *broadcastHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// broadcastQueue is the bounded, priority-ordered queue of pending gossip
// items (spec.md §2 item 3, §4.4). Bounded in practice by the size of the
// membership table: at most one pending item per node id.
type broadcastQueue struct {
	mu sync.Mutex
	h  broadcastHeap
	byKey map[Id]*broadcastItem
	nextSeq uint64

	retransmitMult int
	clusterSize    func() int
}

func newBroadcastQueue(retransmitMult int, clusterSize func() int) *broadcastQueue {
	return &broadcastQueue{
		byKey:          make(map[Id]*broadcastItem),
		retransmitMult: retransmitMult,
		clusterSize:    clusterSize,
	}
}

// retransmitLimit computes retransmit_mult * ceil(log10(cluster_size + 1)),
// per spec.md §4.4, floored at 1 so a broadcast is always sent at least once.
func (q *broadcastQueue) retransmitLimit() int {
	n := q.clusterSize()
	limit := q.retransmitMult * int(math.Ceil(math.Log10(float64(n+1))))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// QueueBroadcast enqueues payload for key, replacing any pending item for the
// same key and resetting its retransmit budget to the full limit (spec.md
// §4.4: "A new broadcast whose key matches an existing queued entry replaces
// it with the new payload and the full retransmit budget").
func (q *broadcastQueue) QueueBroadcast(key Id, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limit := q.retransmitLimit()
	if existing, ok := q.byKey[key]; ok {
		existing.payload = payload
		existing.transmits = limit
		existing.seq = q.nextSeq
		q.nextSeq++
		heap.Fix(&q.h, existing.index)
		return
	}

	item := &broadcastItem{key: key, payload: payload, transmits: limit, seq: q.nextSeq}
	q.nextSeq++
	q.byKey[key] = item
	heap.Push(&q.h, item)
}

// GetBroadcasts drains up to budget bytes' worth of the highest-priority
// items (each costing overhead+len(payload) bytes), decrementing their
// transmit counters. Each item is returned at most once per call. Items
// reaching zero transmits are discarded; items that don't fit in the
// remaining budget are left queued for the next tick (spec.md §4.4).
func (q *broadcastQueue) GetBroadcasts(overhead, budget int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out [][]byte
	var skipped []*broadcastItem
	var sent []*broadcastItem

	for q.h.Len() > 0 && budget > 0 {
		item := q.h[0]
		cost := overhead + len(item.payload)
		if cost > budget {
			// Doesn't fit this tick; set aside and keep looking for a smaller item.
			heap.Pop(&q.h)
			skipped = append(skipped, item)
			continue
		}
		heap.Pop(&q.h)
		budget -= cost
		out = append(out, item.payload)

		item.transmits--
		if item.transmits <= 0 {
			delete(q.byKey, item.key)
			continue
		}
		sent = append(sent, item)
	}

	for _, item := range skipped {
		heap.Push(&q.h, item)
	}
	for _, item := range sent {
		heap.Push(&q.h, item)
	}

	return out
}

// Len reports how many distinct node ids have a pending broadcast.
func (q *broadcastQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey)
}

// Reset discards every queued broadcast, used on Shutdown.
func (q *broadcastQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = nil
	q.byKey = make(map[Id]*broadcastItem)
}
