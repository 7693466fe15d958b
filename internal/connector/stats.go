package connector

import (
	"sync"
	"time"
)

// pollerStats tracks the last request latency and last successful cycle for
// heartbeats. The error rate itself comes from the breaker's window.
type pollerStats struct {
	mu          sync.Mutex
	lastLatency time.Duration
	lastSuccess *time.Time
}

func (s *pollerStats) observe(latency time.Duration) {
	s.mu.Lock()
	s.lastLatency = latency
	s.mu.Unlock()
}

func (s *pollerStats) markSuccess() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastSuccess = &now
	s.mu.Unlock()
}

func (s *pollerStats) snapshot() (time.Duration, *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLatency, s.lastSuccess
}
