package server

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL     = 10 * time.Minute
	limiterPrunePeriod = time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter hands out one token bucket per user and forgets idle buckets.
type userLimiter struct {
	mu        sync.Mutex
	entries   map[messages.UserID]*limiterEntry
	limit     rate.Limit
	burst     int
	clock     func() time.Time
	lastPrune time.Time
}

func newUserLimiter(perSecond float64, burst int, clock func() time.Time) *userLimiter {
	if clock == nil {
		clock = time.Now
	}
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		entries: make(map[messages.UserID]*limiterEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clock:   clock,
	}
}

// Allow consumes one token from userID's bucket.
func (l *userLimiter) Allow(userID messages.UserID) bool {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= limiterPrunePeriod {
		cutoff := now.Add(-limiterIdleTTL)
		for key, entry := range l.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(l.entries, key)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.entries[userID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *userLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
