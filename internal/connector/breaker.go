package connector

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// Breaker trips when the failure rate over a rolling window of request
// outcomes crosses a threshold. While Open every call is refused until the
// cooldown elapses; then one probe is allowed (Half-Open). A successful
// probe closes the breaker and resets the cooldown; a failed probe reopens
// it with the cooldown doubled, up to a cap.
type Breaker struct {
	mu sync.Mutex

	window    []bool // ring of recent outcomes, true = failure
	head      int
	filled    int
	threshold float64

	state        BreakerState
	cooldown     time.Duration
	baseCooldown time.Duration
	maxCooldown  time.Duration
	openedAt     time.Time

	now func() time.Time
}

// NewBreaker builds a breaker over a window of size outcomes. It trips when
// the window is full and the failure rate exceeds threshold.
func NewBreaker(size int, threshold float64, cooldown, maxCooldown time.Duration) *Breaker {
	if size <= 0 {
		size = 20
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if maxCooldown < cooldown {
		maxCooldown = 8 * cooldown
	}
	return &Breaker{
		window:       make([]bool, size),
		threshold:    threshold,
		cooldown:     cooldown,
		baseCooldown: cooldown,
		maxCooldown:  maxCooldown,
		now:          time.Now,
	}
}

// Allow reports whether a request may proceed. In Open state it flips to
// Half-Open once the cooldown has elapsed, admitting a single probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		// A probe is already in flight; hold further traffic.
		return false
	default:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
}

// Record feeds one request outcome back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		if success {
			// Probe succeeded: close and start fresh.
			b.state = BreakerClosed
			b.cooldown = b.baseCooldown
			b.reset()
			return
		}
		// Probe failed: back to Open with a doubled cooldown.
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
		return

	case BreakerOpen:
		return
	}

	b.window[b.head] = !success
	b.head = (b.head + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}

	if b.filled == len(b.window) && b.failureRate() > b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureRate returns the failure fraction over the observed window.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureRate()
}

func (b *Breaker) failureRate() float64 {
	if b.filled == 0 {
		return 0
	}
	fails := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			fails++
		}
	}
	return float64(fails) / float64(b.filled)
}

func (b *Breaker) reset() {
	b.head = 0
	b.filled = 0
	for i := range b.window {
		b.window[i] = false
	}
}
