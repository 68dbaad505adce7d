package membership

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nimbus-cluster/membership/keyring"
)

// Config holds every tunable the core needs (spec.md §2, §4). Loading it
// from a file, environment, or CLI flags is left to the embedding
// application (spec.md §1 Non-goals); cmd/clusterd shows one way to do that
// with the standard flag package.
type Config struct {
	// Id is this node's identity. If empty, a random uuid is used (see NewRandomID).
	Id Id
	// BindAddr is this node's advertised address.
	BindAddr Address

	ProtocolVersion  uint8
	DelegateVersion uint8

	// GossipInterval is how often the gossip emitter drains the broadcast queue.
	GossipInterval time.Duration
	// GossipNodes is how many peers each gossip round fans out to.
	GossipNodes int

	// ProbeInterval is how often the probe engine checks the next node.
	ProbeInterval time.Duration
	// ProbeTimeout bounds how long a probe waits for a direct Ack.
	ProbeTimeout time.Duration
	// IndirectChecks is how many relays a failed direct probe falls back to.
	IndirectChecks int
	// DisableTCPPings turns off the last-resort direct TCP ping fallback.
	DisableTCPPings bool

	// SuspicionMult and the timeout bounds feed the Lifeguard deadline formula (§4.3).
	SuspicionMult       int
	SuspicionMinTimeout time.Duration
	SuspicionMaxTimeout time.Duration

	// PushPullInterval is how often the push/pull driver syncs full state.
	PushPullInterval time.Duration
	// MaxPushPullRequests bounds concurrent inbound push/pull handlers (§4.5, §5).
	MaxPushPullRequests int

	// RetransmitMult scales the broadcast retransmit budget (§4.4).
	RetransmitMult int

	// ReapInterval is how often dead/left nodes past the reap window are removed.
	ReapInterval time.Duration

	// StreamTimeout bounds a single inbound stream request (§4.6).
	StreamTimeout time.Duration
	// MaxFrameSize caps a single frame's payload on stream transports before
	// the buffer is allocated (supplemented from original_source/, SPEC_FULL §12).
	MaxFrameSize int

	// Label discriminates cross-cluster traffic (§6 "Label").
	Label string
	// EnableCompression toggles the codec's snappy layer.
	EnableCompression bool
	// Keyring drives encryption; nil or empty means plaintext.
	Keyring *keyring.Keyring

	Delegate Delegate
	Logger   logrus.FieldLogger
}

// DefaultLANConfig tunes for a single low-latency datacenter network,
// mirroring the teacher's DefaultGossipConfig.
func DefaultLANConfig() *Config {
	return &Config{
		ProtocolVersion:     1,
		DelegateVersion:     1,
		GossipInterval:      200 * time.Millisecond,
		GossipNodes:         3,
		ProbeInterval:       1 * time.Second,
		ProbeTimeout:        500 * time.Millisecond,
		IndirectChecks:      3,
		SuspicionMult:       4,
		SuspicionMinTimeout: 500 * time.Millisecond,
		SuspicionMaxTimeout: 5 * time.Second,
		PushPullInterval:    30 * time.Second,
		MaxPushPullRequests: 128,
		RetransmitMult:      4,
		ReapInterval:        15 * time.Second,
		StreamTimeout:       10 * time.Second,
		MaxFrameSize:        4 << 20,
		Logger:              logrus.StandardLogger(),
	}
}

// DefaultWANConfig widens the gossip, probe, suspicion and push/pull timings
// for a higher-latency, lossier wide-area network; the reap and stream
// timeouts keep their LAN values.
func DefaultWANConfig() *Config {
	c := DefaultLANConfig()
	c.GossipInterval = 500 * time.Millisecond
	c.ProbeInterval = 3 * time.Second
	c.ProbeTimeout = 3 * time.Second
	c.SuspicionMinTimeout = 3 * time.Second
	c.SuspicionMaxTimeout = 30 * time.Second
	c.PushPullInterval = 60 * time.Second
	return c
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c *Config) delegate() Delegate {
	if c.Delegate != nil {
		return c.Delegate
	}
	return nopDelegate{}
}

// reapWindow is how long Dead/Left records are retained before being removed
// from the table (spec.md §3: "default: equal to the gossip interval ×
// suspicion multiplier").
func (c *Config) reapWindow() time.Duration {
	return c.GossipInterval * time.Duration(c.SuspicionMult)
}
