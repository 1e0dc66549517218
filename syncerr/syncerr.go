// Package syncerr defines the error taxonomy shared by the sync stack
// (spec §7). Every layer wraps its failures in a *Error so callers can use
// errors.Is against a Kind's sentinel (Kind.AsError) regardless of how many
// layers of context were added on the way up.
package syncerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a sync failure.
type Kind int

const (
	// Malformed means an envelope or message body failed to decode.
	Malformed Kind = iota
	// UserMismatch means a handshake was rejected because the peer's user
	// id didn't match ours.
	UserMismatch
	// TransportLost means the mesh transport reported a device as gone.
	TransportLost
	// PeerUnavailable means the target device is not currently known to
	// the mesh transport.
	PeerUnavailable
	// StorageError wraps a failure returned by the PageStorage contract.
	StorageError
	// ProtocolError means a peer sent a message that violates the state
	// machine (e.g. a response with no matching request).
	ProtocolError
	// PartialBatchUnavailable means a commit batch could not be completed
	// because a peer lacks one of the commits it is missing.
	PartialBatchUnavailable
	// NotFound means an object or commit fetch exhausted every candidate
	// peer without success.
	NotFound
	// Cancelled means an in-flight request was cancelled because its
	// owning page communicator was dropped or its target device departed.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case UserMismatch:
		return "user_mismatch"
	case TransportLost:
		return "transport_lost"
	case PeerUnavailable:
		return "peer_unavailable"
	case StorageError:
		return "storage_error"
	case ProtocolError:
		return "protocol_error"
	case PartialBatchUnavailable:
		return "partial_batch_unavailable"
	case NotFound:
		return "not_found"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the concrete error type produced by every layer of this module.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is allows errors.Is(err, syncerr.NotFound.AsError()) style matching of
// an error built by New/Wrap against a Kind's sentinel.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && k.Kind == e.Kind
}

// kindSentinel lets a Kind value itself be used as an errors.Is target:
// syncerr.NotFound.AsError() returns one.
type kindSentinel struct{ Kind Kind }

func (k kindSentinel) Error() string { return k.Kind.String() }

// AsError turns a bare Kind into a comparable sentinel error, usable with
// errors.Is.
func (k Kind) AsError() error { return kindSentinel{Kind: k} }

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and a message to an existing error, preserving the
// causal chain via github.com/pkg/errors.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}
