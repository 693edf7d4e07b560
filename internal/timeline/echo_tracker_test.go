package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestEchoTrackerSuppressesOnceWithinWindow(t *testing.T) {
	clock := &manualClock{now: baseTime}
	tracker := NewEchoTracker(EchoTrackerConfig{Window: 5 * time.Second, Clock: clock.Now})

	tracker.RecordSent(42)
	clock.Advance(time.Second)

	if !tracker.ShouldSuppressEcho(42) {
		t.Fatalf("expected echo of 42 to be suppressed")
	}
	if tracker.ShouldSuppressEcho(42) {
		t.Fatalf("expected a match to be consumed on first use")
	}
}

func TestEchoTrackerIgnoresUnknownIDs(t *testing.T) {
	tracker := NewEchoTracker(EchoTrackerConfig{})
	if tracker.ShouldSuppressEcho(7) {
		t.Fatalf("expected unknown id to pass through")
	}
}

func TestEchoTrackerExpiresEntries(t *testing.T) {
	clock := &manualClock{now: baseTime}
	tracker := NewEchoTracker(EchoTrackerConfig{Window: 5 * time.Second, Clock: clock.Now})

	tracker.RecordSent(1)
	tracker.RecordSent(2)
	if tracker.Len() != 2 {
		t.Fatalf("expected 2 tracked ids, got %d", tracker.Len())
	}

	clock.Advance(5 * time.Second)
	if tracker.ShouldSuppressEcho(1) {
		t.Fatalf("expected expired entry not to suppress")
	}
	if tracker.Len() != 0 {
		t.Fatalf("expected expired entries to be pruned, got %d", tracker.Len())
	}
}

func TestEchoTrackerDoesNotGrowUnbounded(t *testing.T) {
	clock := &manualClock{now: baseTime}
	tracker := NewEchoTracker(EchoTrackerConfig{Window: time.Second, Clock: clock.Now})

	for id := 1; id <= 1000; id++ {
		tracker.RecordSent(messages.MessageID(id))
		clock.Advance(100 * time.Millisecond)
	}
	if tracker.Len() > 10 {
		t.Fatalf("expected at most 10 tracked ids, got %d", tracker.Len())
	}
}

func TestEchoTrackerReset(t *testing.T) {
	tracker := NewEchoTracker(EchoTrackerConfig{})
	tracker.RecordSent(9)
	tracker.Reset()
	if tracker.ShouldSuppressEcho(9) {
		t.Fatalf("expected reset to forget sent ids")
	}
}

func TestUUIDProviderIssuesPrefixedUniqueIDs(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewTempID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewTempID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(first, messages.TempIDPrefix) {
		t.Fatalf("expected %q prefix, got %q", messages.TempIDPrefix, first)
	}
	if first == second {
		t.Fatalf("expected unique temp ids, got %q twice", first)
	}
}
