// Package errs defines the error kinds exchanged across the membership
// protocol (spec.md §7), in the causal-wrapper style used by moby's errdefs:
// a sentinel kind wraps a cause, Is<Kind> predicates unwrap via errors.As.
package errs

import (
	"errors"
	"fmt"
)

type kind int

const (
	kindTransport kind = iota
	kindDecode
	kindProtocolVersion
	kindDelegate
	kindKeyring
	kindResource
	kindCancelled
)

// wrapped is the concrete error type for every kind below.
type wrapped struct {
	kind  kind
	msg   string
	cause error
}

func (e *wrapped) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.cause)
}

func (e *wrapped) Unwrap() error { return e.cause }

// Cause returns the wrapped error, matching the causal interface the pack's
// errdefs-style packages expose.
func (e *wrapped) Cause() error { return e.cause }

func newKind(k kind, msg string, cause error) error {
	return &wrapped{kind: k, msg: msg, cause: cause}
}

func isKind(err error, k kind) bool {
	var w *wrapped
	if errors.As(err, &w) {
		return w.kind == k
	}
	return false
}

// Transport wraps an I/O or peer-closed error.
func Transport(msg string, cause error) error { return newKind(kindTransport, msg, cause) }

// IsTransport reports whether err is a Transport error.
func IsTransport(err error) bool { return isKind(err, kindTransport) }

// Decode wraps a malformed-frame / label-mismatch / decrypt / decompress failure.
func Decode(msg string, cause error) error { return newKind(kindDecode, msg, cause) }

// IsDecode reports whether err is a Decode error.
func IsDecode(err error) bool { return isKind(err, kindDecode) }

// ProtocolVersion wraps an incompatible-version error in a received state.
func ProtocolVersion(msg string) error { return newKind(kindProtocolVersion, msg, nil) }

// IsProtocolVersion reports whether err is a ProtocolVersion error.
func IsProtocolVersion(err error) bool { return isKind(err, kindProtocolVersion) }

// Delegate wraps an error a user callback reported.
func Delegate(msg string, cause error) error { return newKind(kindDelegate, msg, cause) }

// IsDelegate reports whether err is a Delegate error.
func IsDelegate(err error) bool { return isKind(err, kindDelegate) }

// Sentinel Keyring errors, per spec.md §4.8.
var (
	ErrNotFound         = newKind(kindKeyring, "key not found in keyring", nil)
	ErrRemovePrimaryKey = newKind(kindKeyring, "cannot remove the primary key", nil)
)

// IsKeyring reports whether err is a Keyring error (NotFound or RemovePrimaryKey).
func IsKeyring(err error) bool { return isKind(err, kindKeyring) }

// Sentinel Resource errors, per spec.md §7.
var (
	ErrTooManyPushPulls = newKind(kindResource, "too many pending push/pull requests", nil)
	ErrPayloadTooLarge  = newKind(kindResource, "payload exceeds configured frame size limit", nil)
)

// IsResource reports whether err is a Resource error.
func IsResource(err error) bool { return isKind(err, kindResource) }

// Cancelled wraps shutdown-in-progress.
var Cancelled = newKind(kindCancelled, "shutdown in progress", nil)

// IsCancelled reports whether err is a Cancelled error.
func IsCancelled(err error) bool { return isKind(err, kindCancelled) }
