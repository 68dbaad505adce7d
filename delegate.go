package membership

// Delegate is the callback surface exposed to the embedding application
// (spec.md §6). Every method may block; callers never hold an internal lock
// while invoking one.
type Delegate interface {
	// NodeMeta returns this node's metadata, truncated to limit bytes.
	NodeMeta(limit int) []byte

	// NotifyJoin fires when a node is added to the table as Alive, when a node
	// is added already Dead (immediately followed by NotifyLeave), and when a
	// Dead or Left node comes back Alive. A node first added as Suspect gets
	// no NotifyJoin.
	NotifyJoin(node NodeRecord)
	// NotifyLeave fires when a node transitions to Dead or Left. Reaping the
	// record later does not notify again.
	NotifyLeave(node NodeRecord)
	// NotifyUpdate fires on a non-join, non-leave state or metadata change.
	NotifyUpdate(node NodeRecord)

	// NotifyMessage delivers an opaque user datagram received over packet transport.
	NotifyMessage(msg []byte)

	// LocalState returns this node's opaque anti-entropy payload for a push/pull
	// exchange; join is true when the exchange is part of this node's own Join.
	LocalState(join bool) []byte
	// MergeRemoteState integrates a peer's opaque anti-entropy payload.
	MergeRemoteState(buf []byte, join bool)

	// NotifyMerge is invoked before applying a join push/pull's peer list; returning
	// an error vetoes the whole merge (spec.md §4.5, §7).
	NotifyMerge(peers []NodeRecord) error
}

// nopDelegate is the default Delegate: it observes without vetoing or storing
// anything. Embedders that only care about failure detection can leave
// Config.Delegate nil and get this.
type nopDelegate struct{}

func (nopDelegate) NodeMeta(limit int) []byte             { return nil }
func (nopDelegate) NotifyJoin(NodeRecord)                 {}
func (nopDelegate) NotifyLeave(NodeRecord)                {}
func (nopDelegate) NotifyUpdate(NodeRecord)               {}
func (nopDelegate) NotifyMessage([]byte)                  {}
func (nopDelegate) LocalState(join bool) []byte           { return nil }
func (nopDelegate) MergeRemoteState(buf []byte, join bool) {}
func (nopDelegate) NotifyMerge(peers []NodeRecord) error  { return nil }
