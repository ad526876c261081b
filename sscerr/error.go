// Package sscerr defines the single Error type shared by jobs, sharechange
// and ssc. It lives in its own package (rather than inside ssc, which is
// where the expanded design otherwise places it) purely to avoid an import
// cycle: jobs and sharechange sit below ssc in the dependency graph but
// still need to construct and inspect these errors. ssc re-exports it as
// ssc.Error so callers never see the split.
package sscerr

import "fmt"

// Kind classifies why an operation failed, mirroring the nine error kinds
// the coordination protocol distinguishes.
type Kind int

const (
	// ReplayProtection: a message's (session_id, nonce) pair was already seen.
	ReplayProtection Kind = iota
	// InvalidMessage: a message arrived in a shape the receiver couldn't parse
	// or that violates a structural invariant (e.g. empty shares-to-move map).
	InvalidMessage
	// InvalidStateForRequest: a message arrived while the session was in a
	// state that doesn't accept it (e.g. a move request after Finished).
	InvalidStateForRequest
	// InvalidNodesConfiguration: OLD/NEW/ALL_NODES disagree between master
	// and slave, or NEW is not a subset of ALL_NODES.
	InvalidNodesConfiguration
	// AccessDenied: the admin signature over OLD/NEW failed verification.
	AccessDenied
	// KeyStorage: the underlying KeyStorage returned an error.
	KeyStorage
	// TooEarlyForRequest: the message depends on state this node hasn't
	// reached yet; the caller should re-queue and retry it later. The only
	// retryable kind.
	TooEarlyForRequest
	// NodeOffline: a required peer could not be reached.
	NodeOffline
	// SessionTimeout: the session's configured timeout elapsed before
	// reaching Finished.
	SessionTimeout
)

func (k Kind) String() string {
	switch k {
	case ReplayProtection:
		return "ReplayProtection"
	case InvalidMessage:
		return "InvalidMessage"
	case InvalidStateForRequest:
		return "InvalidStateForRequest"
	case InvalidNodesConfiguration:
		return "InvalidNodesConfiguration"
	case AccessDenied:
		return "AccessDenied"
	case KeyStorage:
		return "KeyStorage"
	case TooEarlyForRequest:
		return "TooEarlyForRequest"
	case NodeOffline:
		return "NodeOffline"
	case SessionTimeout:
		return "SessionTimeout"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the single error type every session-facing operation returns.
type Error struct {
	Kind  Kind
	Cause error
}

// New builds an Error of the given kind wrapping cause (cause may be nil).
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf builds an Error of the given kind with a formatted message as its cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller should re-queue the triggering
// message and retry later, true only for TooEarlyForRequest.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == TooEarlyForRequest
}

// KindOf reports err's Kind when err is itself an *Error, and false
// otherwise (a wrapped *Error is not unwrapped). Callers check
// `kind, ok := sscerr.KindOf(err); ok && kind == sscerr.AccessDenied`.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if err == nil {
		return 0, false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return 0, false
	}
	return e.Kind, true
}
