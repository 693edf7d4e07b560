package timeline

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
)

// DefaultEchoWindow is how long a self-sent id suppresses its push echo.
const DefaultEchoWindow = 5 * time.Second

// EchoTrackerConfig configures an EchoTracker.
type EchoTrackerConfig struct {
	Window time.Duration
	Clock  func() time.Time
}

// EchoTracker remembers ids of messages created through the REST path so that
// the push channel's copy of the same message is not inserted twice.
type EchoTracker struct {
	mu      sync.Mutex
	window  time.Duration
	clock   func() time.Time
	expires map[messages.MessageID]time.Time
}

// NewEchoTracker constructs a tracker with the provided configuration.
func NewEchoTracker(cfg EchoTrackerConfig) *EchoTracker {
	window := cfg.Window
	if window <= 0 {
		window = DefaultEchoWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &EchoTracker{
		window:  window,
		clock:   clock,
		expires: make(map[messages.MessageID]time.Time),
	}
}

// RecordSent starts the suppression window for id.
func (t *EchoTracker) RecordSent(id messages.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.pruneLocked(now)
	t.expires[id] = now.Add(t.window)
}

// ShouldSuppressEcho reports whether a pushed message.created for id should be
// dropped. A match is consumed.
func (t *EchoTracker) ShouldSuppressEcho(id messages.MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.clock())
	if _, ok := t.expires[id]; !ok {
		return false
	}
	delete(t.expires, id)
	return true
}

// Len returns the number of unexpired entries.
func (t *EchoTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.clock())
	return len(t.expires)
}

// Reset forgets all tracked ids.
func (t *EchoTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.expires)
}

func (t *EchoTracker) pruneLocked(now time.Time) {
	for id, expiresAt := range t.expires {
		if !now.Before(expiresAt) {
			delete(t.expires, id)
		}
	}
}
