// Package retrypolicy computes backoff schedules for failed chunk uploads.
// It is a pure policy object: the server keeps no per-chunk attempt state,
// the client sends its attempt number and receives guidance back.
package retrypolicy

import "time"

// Policy is an exponential backoff schedule with a hard cap and a retry
// budget. The zero value is unusable; construct with New.
type Policy struct {
	base        time.Duration
	cap         time.Duration
	maxAttempts int
}

// New creates a policy. base is the delay after the first failure, each
// further failure doubles it up to cap. After maxAttempts failures the
// chunk should be treated as permanently failed.
func New(base, cap time.Duration, maxAttempts int) *Policy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap < base {
		cap = base
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{base: base, cap: cap, maxAttempts: maxAttempts}
}

// Backoff returns the delay to wait before retry number attempt+1.
// attempt is 1-based: Backoff(1) is the delay after the first failure.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cap {
			return p.cap
		}
	}
	if d > p.cap {
		return p.cap
	}
	return d
}

// Exhausted reports whether the attempt number has used up the budget.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt >= p.maxAttempts
}

// MaxAttempts returns the configured budget.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }
