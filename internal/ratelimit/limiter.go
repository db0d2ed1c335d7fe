// Package ratelimit throttles outbound actions with token buckets keyed per
// target. A burst of user input can therefore never flood the backend.
package ratelimit

import (
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Check when the action must be dropped.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Rule defines a rate limiting policy: the key prefix, the maximum number of
// actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard outbound rules.
var (
	// RuleMessage allows 5 messages per 10 seconds per conversation.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleUpload allows 3 attachments per minute.
	RuleUpload = Rule{Key: "rl:upload:", Limit: 3, Window: time.Minute}
)

// Disabled reports whether the rule lets everything through.
func (r Rule) Disabled() bool {
	return r.Limit <= 0 || r.Window <= 0
}

// every is the refill interval that spreads Limit tokens over Window.
func (r Rule) every() rate.Limit {
	return rate.Every(r.Window / time.Duration(r.Limit))
}

// Limiter holds one token bucket per rule key and identifier. It is safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// Allow reports whether one more action for identifier fits within rule and,
// if so, consumes a token.
func (l *Limiter) Allow(identifier string, rule Rule) bool {
	if rule.Disabled() {
		return true
	}
	key := rule.Key + identifier

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rule.every(), rule.Limit)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	if !b.AllowN(l.now(), 1) {
		log.Printf("[ratelimit] limited key=%s", key)
		return false
	}
	return true
}

// Check is Allow returning ErrLimited instead of false.
func (l *Limiter) Check(identifier string, rule Rule) error {
	if !l.Allow(identifier, rule) {
		return ErrLimited
	}
	return nil
}

// Remaining returns the number of whole tokens identifier has left under rule.
// An identifier that has not been seen yet has the full limit.
func (l *Limiter) Remaining(identifier string, rule Rule) int {
	if rule.Disabled() {
		return rule.Limit
	}
	l.mu.Lock()
	b, ok := l.buckets[rule.Key+identifier]
	l.mu.Unlock()
	if !ok {
		return rule.Limit
	}

	remaining := int(b.TokensAt(l.now()))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset forgets every bucket.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.buckets = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}
