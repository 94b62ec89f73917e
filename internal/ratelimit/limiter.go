// Package ratelimit implements the per-(identifier, class) sliding-window
// limiter. Each key retains the timestamps of its accepted events inside
// the window; the window and per-class caps come from configuration.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/audit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/hash"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
)

// Class names an endpoint class with its own cap.
type Class string

const (
	ClassStandard Class = "standard"
	ClassMedical  Class = "medical"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type bucket struct {
	mu     sync.Mutex
	events []time.Time // accepted timestamps, oldest first
}

// Limiter is safe for concurrent use. Identifiers must already be
// anonymized by the caller (session id, or hashed peer address, never a
// raw IP).
type Limiter struct {
	window time.Duration
	caps   map[Class]int
	sink   *audit.Sink
	m      *metrics.Set
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter builds a limiter from configuration.
func NewLimiter(cfg *config.RateLimitConfig, sink *audit.Sink, m *metrics.Set) *Limiter {
	return &Limiter{
		window: cfg.Window,
		caps: map[Class]int{
			ClassStandard: cfg.StandardMax,
			ClassMedical:  cfg.MedicalMax,
		},
		sink:    sink,
		m:       m,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock overrides the limiter's clock for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check records an event for the key if the window has room and returns
// the decision. Denials are audited as security events.
func (l *Limiter) Check(identifier string, class Class) Decision {
	limit := l.caps[class]
	if limit <= 0 {
		limit = 1
	}
	now := l.now()

	b := l.bucket(identifier, class)
	b.mu.Lock()
	cutoff := now.Add(-l.window)
	// Drop events that slid out of the window.
	idx := 0
	for idx < len(b.events) && !b.events[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.events = append(b.events[:0], b.events[idx:]...)
	}

	if len(b.events) >= limit {
		resetAt := b.events[0].Add(l.window)
		b.mu.Unlock()
		l.denied(identifier, class)
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	b.events = append(b.events, now)
	remaining := limit - len(b.events)
	resetAt := b.events[0].Add(l.window)
	b.mu.Unlock()

	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// Prune drops idle keys; run it periodically to bound memory.
func (l *Limiter) Prune() int {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := len(b.events) == 0 || !b.events[len(b.events)-1].After(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run prunes idle keys on a fixed cadence until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

func (l *Limiter) bucket(identifier string, class Class) *bucket {
	key := identifier + "|" + string(class)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) denied(identifier string, class Class) {
	if l.m != nil {
		l.m.RateLimitRejected.WithLabelValues(string(class)).Inc()
	}
	if l.sink != nil {
		// The identifier may be a raw session id; only its hash may appear
		// in an audit record.
		l.sink.Emit(audit.Record{
			Kind:        audit.KindSecurityEvent,
			Severity:    audit.SeverityWarning,
			SessionHash: hash.ShortIdentifier(identifier),
			Resource:    "rate-limit",
			Action:      "reject",
			Outcome:     audit.OutcomeDenied,
			Fields: map[string]any{
				"class": string(class),
			},
		})
	}
}
