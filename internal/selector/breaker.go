package selector

import (
	"sync"
	"time"
)

// BreakerState is the per-upstream circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerStatus is a point-in-time view of one upstream's circuit.
type BreakerStatus struct {
	State        BreakerState `json:"state"`
	Failures     int          `json:"failures"`
	OpenedAt     time.Time    `json:"opened_at,omitempty"`
	NextProbeAt  time.Time    `json:"next_probe_at,omitempty"`
	BlockedTotal int64        `json:"blocked_total"`
}

type breakerEntry struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	blocked  int64
}

// Breaker tracks consecutive upstream failures per base URL. After the
// threshold is reached the circuit opens for the cooldown; the first
// request after cooldown becomes the single half-open probe whose outcome
// closes or re-opens the circuit.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	entries   map[string]*breakerEntry
	now       func() time.Time
}

// NewBreaker creates a breaker with the given consecutive-failure
// threshold and cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   make(map[string]*breakerEntry),
		now:       time.Now,
	}
}

func (b *Breaker) entry(baseURL string) *breakerEntry {
	e, ok := b.entries[baseURL]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		b.entries[baseURL] = e
	}
	return e
}

// Allow reports whether a request to the upstream may proceed. The second
// return value marks the caller as the half-open probe; its outcome must
// be reported via RecordSuccess or RecordFailure.
func (b *Breaker) Allow(baseURL string) (allowed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(baseURL)

	switch e.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if b.now().Sub(e.openedAt) < b.cooldown {
			e.blocked++
			return false, false
		}
		e.state = BreakerHalfOpen
		e.probing = true
		return true, true
	case BreakerHalfOpen:
		if e.probing {
			e.blocked++
			return false, false
		}
		e.probing = true
		return true, true
	}
	return true, false
}

// RecordSuccess notes a successful upstream exchange.
func (b *Breaker) RecordSuccess(baseURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(baseURL)
	e.failures = 0
	e.probing = false
	e.state = BreakerClosed
}

// RecordFailure notes a failed upstream exchange; crossing the threshold
// opens the circuit. A failed half-open probe re-opens immediately.
func (b *Breaker) RecordFailure(baseURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(baseURL)

	if e.state == BreakerHalfOpen {
		e.state = BreakerOpen
		e.openedAt = b.now()
		e.probing = false
		return
	}
	e.failures++
	if e.failures >= b.threshold {
		e.state = BreakerOpen
		e.openedAt = b.now()
	}
}

// Status returns the circuit view for one upstream.
func (b *Breaker) Status(baseURL string) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(baseURL)
	st := BreakerStatus{
		State:        e.state,
		Failures:     e.failures,
		BlockedTotal: e.blocked,
	}
	if e.state != BreakerClosed {
		st.OpenedAt = e.openedAt
		st.NextProbeAt = e.openedAt.Add(b.cooldown)
	}
	return st
}

// Snapshot returns the circuit view of every tracked upstream.
func (b *Breaker) Snapshot() map[string]BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]BreakerStatus, len(b.entries))
	for url := range b.entries {
		e := b.entries[url]
		st := BreakerStatus{State: e.state, Failures: e.failures, BlockedTotal: e.blocked}
		if e.state != BreakerClosed {
			st.OpenedAt = e.openedAt
			st.NextProbeAt = e.openedAt.Add(b.cooldown)
		}
		out[url] = st
	}
	return out
}

// Forget drops tracking for an upstream, used when a model stops and its
// port may be reassigned.
func (b *Breaker) Forget(baseURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, baseURL)
}
