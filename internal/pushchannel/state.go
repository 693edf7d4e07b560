package pushchannel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Phase enumerates the push connection lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosing
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// State describes the connection at one point in time. Attempt counts
// consecutive failures since the last successful handshake. NextRetryAt is set
// only in PhaseBackoff. Err carries the failure that caused the transition.
type State struct {
	Phase       Phase
	Attempt     int
	NextRetryAt time.Time
	Err         error
}

// Default backoff parameters.
const (
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffMax        = 30 * time.Second
)

// BackoffPolicy configures reconnect delays. Zero fields take the defaults.
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns the 1s, x2, 30s policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    DefaultBackoffInitial,
		Multiplier: DefaultBackoffMultiplier,
		Max:        DefaultBackoffMax,
	}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultBackoffInitial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoffMultiplier
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoffMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// NewBackOff returns a fresh exponential schedule for p. It has no jitter and
// never gives up.
func (p BackoffPolicy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.Initial
	schedule.Multiplier = p.Multiplier
	schedule.MaxInterval = p.Max
	schedule.RandomizationFactor = 0
	schedule.MaxElapsedTime = 0
	schedule.Reset()
	return schedule
}

// Delay returns the wait before reconnect attempt n (1-based). The sequence is
// non-decreasing and capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	schedule := p.NewBackOff()
	delay := schedule.NextBackOff()
	for step := 1; step < attempt && delay < schedule.MaxInterval; step++ {
		delay = schedule.NextBackOff()
	}
	return delay
}
