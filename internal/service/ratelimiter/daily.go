// Package ratelimiter provides the process-wide daily admission limiter for
// git-based evaluations.
package ratelimiter

import (
	"sync"
	"time"
)

// Decision is the outcome of a limiter check or consume call.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
}

// Stats is the current counter state exposed on /v1/config.
type Stats struct {
	Count     int `json:"count"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// DailyLimiter counts consumptions per local calendar day. The day rollover
// reset and the consume increment happen under the same lock, so no consume
// can observe a stale day. A limit <= 0 disables the limiter entirely:
// Consume always allows and never increments.
type DailyLimiter struct {
	mu    sync.Mutex
	day   string
	count int
	limit int
	now   func() time.Time
}

// NewDailyLimiter constructs a limiter with the given daily cap.
func NewDailyLimiter(limit int) *DailyLimiter {
	return &DailyLimiter{limit: limit, now: time.Now}
}

// NewDailyLimiterWithClock constructs a limiter with an injected clock,
// used by tests to drive day rollovers.
func NewDailyLimiterWithClock(limit int, now func() time.Time) *DailyLimiter {
	return &DailyLimiter{limit: limit, now: now}
}

// resetIfRolledOver must be called with mu held.
func (l *DailyLimiter) resetIfRolledOver() {
	today := l.now().Format("2006-01-02")
	if l.day != today {
		l.day = today
		l.count = 0
	}
}

// Check inspects the limiter without consuming.
func (l *DailyLimiter) Check() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: 0, Limit: 0}
	}
	l.resetIfRolledOver()
	return Decision{Allowed: l.count < l.limit, Remaining: max(0, l.limit-l.count), Limit: l.limit}
}

// Consume takes one unit from today's budget if any remains.
func (l *DailyLimiter) Consume() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: 0, Limit: 0}
	}
	l.resetIfRolledOver()
	if l.count >= l.limit {
		return Decision{Allowed: false, Remaining: 0, Limit: l.limit}
	}
	l.count++
	return Decision{Allowed: true, Remaining: l.limit - l.count, Limit: l.limit}
}

// Stats returns today's counter state.
func (l *DailyLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return Stats{Count: 0, Limit: 0, Remaining: 0}
	}
	l.resetIfRolledOver()
	return Stats{Count: l.count, Limit: l.limit, Remaining: max(0, l.limit-l.count)}
}
