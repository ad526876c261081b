package ssc

import "github.com/vbaranov/parity/sscerr"

// Error is the error type every Session operation returns. It is a type
// alias for sscerr.Error, which lives in its own package only to break an
// import cycle between ssc and its jobs/sharechange dependencies — callers
// of this package never need to know that split.
type Error = sscerr.Error

// Kind re-exports sscerr.Kind under the ssc package for callers that only
// import ssc.
type Kind = sscerr.Kind

const (
	ReplayProtection          = sscerr.ReplayProtection
	InvalidMessage            = sscerr.InvalidMessage
	InvalidStateForRequest    = sscerr.InvalidStateForRequest
	InvalidNodesConfiguration = sscerr.InvalidNodesConfiguration
	AccessDenied              = sscerr.AccessDenied
	KeyStorage                = sscerr.KeyStorage
	TooEarlyForRequest        = sscerr.TooEarlyForRequest
	NodeOffline               = sscerr.NodeOffline
	SessionTimeout            = sscerr.SessionTimeout
)
