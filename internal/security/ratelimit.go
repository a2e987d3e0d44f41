package security

import (
	"context"
	"sync"
	"time"
)

// RateLimiter bounds order attempts per identity across sliding windows.
// Allow records the attempt only when it is admitted, so rejected attempts
// do not consume budget.
type RateLimiter interface {
	Allow(ctx context.Context, identity string) (bool, error)
}

// SlidingWindowLimiter is the in-memory limiter: per-identity timestamp
// histories checked against a per-minute and a per-hour ceiling. State for
// each identity is guarded by its own lock so concurrent requests from one
// identity cannot both observe "under limit" and both pass.
type SlidingWindowLimiter struct {
	perMinute int
	perHour   int

	mu         sync.Mutex
	identities map[string]*identityWindow

	now func() time.Time
}

type identityWindow struct {
	mu       sync.Mutex
	attempts []time.Time
}

// NewSlidingWindowLimiter creates a limiter with the given ceilings. A
// ceiling of zero or less disables that window.
func NewSlidingWindowLimiter(perMinute, perHour int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		perMinute:  perMinute,
		perHour:    perHour,
		identities: make(map[string]*identityWindow),
		now:        time.Now,
	}
}

func (l *SlidingWindowLimiter) window(identity string) *identityWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.identities[identity]
	if !ok {
		w = &identityWindow{}
		l.identities[identity] = w
	}
	return w
}

// Allow checks both windows and records the attempt when admitted.
func (l *SlidingWindowLimiter) Allow(_ context.Context, identity string) (bool, error) {
	w := l.window(identity)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Hour)
	kept := w.attempts[:0]
	for _, t := range w.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.attempts = kept

	if l.perHour > 0 && len(w.attempts) >= l.perHour {
		return false, nil
	}
	if l.perMinute > 0 {
		minuteCutoff := now.Add(-time.Minute)
		recent := 0
		for i := len(w.attempts) - 1; i >= 0; i-- {
			if !w.attempts[i].After(minuteCutoff) {
				break
			}
			recent++
		}
		if recent >= l.perMinute {
			return false, nil
		}
	}

	w.attempts = append(w.attempts, now)
	return true, nil
}
