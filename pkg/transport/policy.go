package transport

import "time"

// Reconnect defaults.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
)

// ReconnectPolicy decides when, and whether, to retry after an unclean close.
// The n-th retry waits BaseDelay * 2^n; once RetryCount reaches MaxRetries no
// further attempt is made.
type ReconnectPolicy struct {
	RetryCount int
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultReconnectPolicy returns the standard policy: five retries from one
// second.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
	}
}

// Next returns the delay before the next attempt and consumes one retry.
// It returns false when the budget is spent.
func (p *ReconnectPolicy) Next() (time.Duration, bool) {
	if p.RetryCount >= p.MaxRetries {
		return 0, false
	}

	delay := p.BaseDelay
	for i := 0; i < p.RetryCount; i++ {
		delay *= 2
	}
	p.RetryCount++
	return delay, true
}

// Reset restores the full retry budget.
func (p *ReconnectPolicy) Reset() {
	p.RetryCount = 0
}

// Exhaust spends the remaining budget so no automatic retry follows.
func (p *ReconnectPolicy) Exhaust() {
	p.RetryCount = p.MaxRetries
}

// Exhausted reports whether another retry is allowed.
func (p ReconnectPolicy) Exhausted() bool {
	return p.RetryCount >= p.MaxRetries
}

// IsCleanClose reports whether a close code is an orderly shutdown that must
// not trigger a reconnect: normal closure, going away, or no status.
func IsCleanClose(code int) bool {
	switch code {
	case 1000, 1001, 1005:
		return true
	default:
		return false
	}
}
