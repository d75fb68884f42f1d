// Package retry is the bounded retry policy shared by the sync coordinator and
// the print scheduler: a maximum retry count plus an escalating delay table.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy describes when a failing operation is retried and how long to wait.
type Policy struct {
	// MaxRetries is the failure count at which an operation becomes terminal.
	MaxRetries int
	// Delays is indexed by retries-1 and clamped at its last entry.
	Delays []time.Duration
	// Jitter adds a random duration in [0, Jitter) to every delay.
	Jitter time.Duration
}

// SyncDefaults is the policy for remote delivery of queued mutations.
func SyncDefaults() Policy {
	return Policy{
		MaxRetries: 5,
		Delays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		},
		Jitter: time.Second,
	}
}

// PrintDefaults is the policy for print job delivery.
func PrintDefaults() Policy {
	return Policy{
		MaxRetries: 4,
		Delays: []time.Duration{
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			20 * time.Second,
		},
	}
}

// BaseDelay returns the table delay for an operation that has failed
// `retries` times, without jitter.
func (p Policy) BaseDelay(retries int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	i := retries - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Delays) {
		i = len(p.Delays) - 1
	}
	return p.Delays[i]
}

// Delay is BaseDelay plus jitter.
func (p Policy) Delay(retries int) time.Duration {
	d := p.BaseDelay(retries)
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter))) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

// Exhausted reports whether `retries` failures make the operation terminal.
func (p Policy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}
