// Package metrics wraps github.com/cactus/go-statsd-client/statsd behind a
// small named-counter/timer surface, the same way kickboxerdb's
// consensus.Manager timed every serialize/process/deserialize step through
// a statsd.Statter. ssc.Session uses it to count started and completed
// sub-sessions and to gauge how many are active or delegated; the
// sharechange sub-sessions use it to time their Initialize calls.
package metrics

import (
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
)

// Sink is the subset of statsd.Statter this package depends on, so tests
// can substitute a recording fake without pulling in a real UDP client.
type Sink interface {
	Inc(stat string, value int64, rate float32) error
	Gauge(stat string, value int64, rate float32) error
	Timing(stat string, delta int64, rate float32) error
}

// Client records SSC metrics under a fixed prefix.
type Client struct {
	sink   Sink
	prefix string
}

// NewClient wraps sink, prefixing every stat name with prefix + ".".
func NewClient(sink Sink, prefix string) *Client {
	return &Client{sink: sink, prefix: prefix}
}

// NewNoop builds a Client backed by statsd.NewNoopClient, for callers that
// don't want metrics wired to a real collector (e.g. single-process tests).
func NewNoop() *Client {
	c, _ := statsd.NewNoopClient()
	return NewClient(c, "ssc")
}

func (c *Client) name(stat string) string {
	return strings.TrimPrefix(c.prefix+"."+stat, ".")
}

// Inc increments a counter by delta.
func (c *Client) Inc(stat string, delta int64) {
	if c == nil || c.sink == nil {
		return
	}
	_ = c.sink.Inc(c.name(stat), delta, 1.0)
}

// Gauge sets a gauge to value, e.g. the current count of active sub-sessions.
func (c *Client) Gauge(stat string, value int64) {
	if c == nil || c.sink == nil {
		return
	}
	_ = c.sink.Gauge(c.name(stat), value, 1.0)
}

// Timing records how long an operation took.
func (c *Client) Timing(stat string, d time.Duration) {
	if c == nil || c.sink == nil {
		return
	}
	_ = c.sink.Timing(c.name(stat), int64(d/time.Millisecond), 1.0)
}

// Since is a convenience for the common `defer metrics.Since(c, "x", time.Now())`
// pattern kickboxerdb's SendMessage used inline.
func Since(c *Client, stat string, start time.Time) {
	c.Timing(stat, time.Since(start))
}
