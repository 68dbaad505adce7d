package membership

import (
	"sync"
	"time"
)

// ackHandler is invoked when a matching Ack or Nack arrives for a sequence
// number. complete is false for a Nack (spec.md §4.2: "a Nack resolves the
// waiter without satisfying it").
type ackHandler func(payload []byte, complete bool)

// ackDispatcher matches inbound Ack/Nack frames to outstanding probes by
// sequence number, and expires unmatched entries after a bounded lifetime
// (spec.md §4.2 "bounded lifetime = probe_timeout * 2").
type ackDispatcher struct {
	mu       sync.Mutex
	handlers map[uint32]*ackEntry
	nextSeq  uint32
}

type ackEntry struct {
	fn    ackHandler
	timer *time.Timer
}

func newAckDispatcher() *ackDispatcher {
	return &ackDispatcher{handlers: make(map[uint32]*ackEntry)}
}

// NextSeq returns a fresh, process-local sequence number.
func (d *ackDispatcher) NextSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSeq++
	return d.nextSeq
}

// Await registers fn for seq. fn is called once for each matching Nack and
// once for the first matching Ack, which removes the waiter. If nothing
// resolves it, the waiter is dropped after lifetime without calling fn (the
// caller's own timeout path governs that case).
func (d *ackDispatcher) Await(seq uint32, lifetime time.Duration, fn ackHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := &ackEntry{fn: fn}
	entry.timer = time.AfterFunc(lifetime, func() {
		d.mu.Lock()
		delete(d.handlers, seq)
		d.mu.Unlock()
	})
	d.handlers[seq] = entry
}

// Handle dispatches an inbound Ack (complete=true) or Nack (complete=false)
// for seq, if a waiter is still registered. Nack does not remove the waiter,
// since a later Ack may still arrive (spec.md §4.2).
func (d *ackDispatcher) Handle(seq uint32, payload []byte, complete bool) {
	d.mu.Lock()
	entry, ok := d.handlers[seq]
	if ok && complete {
		entry.timer.Stop()
		delete(d.handlers, seq)
	}
	d.mu.Unlock()

	if ok {
		entry.fn(payload, complete)
	}
}

// Shutdown cancels every outstanding waiter without invoking them.
func (d *ackDispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for seq, entry := range d.handlers {
		entry.timer.Stop()
		delete(d.handlers, seq)
	}
}
