package ssc

import "time"

// MaxActiveSessions bounds how many per-key share-change sub-sessions a
// single servers-set-change session runs concurrently, matching the
// original implementation's MAX_ACTIVE_SESSIONS constant.
const MaxActiveSessions = 64

// Config holds the tunables of a Session. Zero-value fields fall back to
// DefaultConfig's values when passed to NewSession.
type Config struct {
	// MaxActiveSessions bounds concurrent sub-sessions; 0 means
	// MaxActiveSessions (the package constant).
	MaxActiveSessions int
	// SessionTimeout is stored with the session's config; no timer in this
	// package reads it, so a Session is never abandoned with a
	// SessionTimeout error.
	SessionTimeout time.Duration
	// NodeTimeout is stored with the session's config; nothing in this
	// package reads it, so an unresponsive node is never reported as
	// NodeOffline by a timer.
	NodeTimeout time.Duration
}

// DefaultConfig matches the spec's documented defaults.
var DefaultConfig = Config{
	MaxActiveSessions: MaxActiveSessions,
	SessionTimeout:    30 * time.Second,
	NodeTimeout:       5 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MaxActiveSessions <= 0 {
		c.MaxActiveSessions = DefaultConfig.MaxActiveSessions
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultConfig.SessionTimeout
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = DefaultConfig.NodeTimeout
	}
	return c
}
