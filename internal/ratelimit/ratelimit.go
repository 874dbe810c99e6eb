// Package ratelimit tracks failed SMTP AUTH attempts (and, more
// generally, any failure-prone per-key operation) to back off abusive
// clients before they can hammer the upstream.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter blocks a key (typically a remote IP) after too many failures
// inside a sliding window, for a fixed block duration.
type Limiter struct {
	mu       sync.RWMutex
	attempts map[string]*attemptInfo

	maxAttempts   int
	windowSize    time.Duration
	blockDuration time.Duration

	stop chan struct{}
}

type attemptInfo struct {
	count     int
	firstTime time.Time
	blockedAt time.Time
}

// New builds a Limiter. maxAttempts failures inside windowSize trigger a
// block lasting blockDuration.
func New(maxAttempts int, windowSize, blockDuration time.Duration) *Limiter {
	l := &Limiter{
		attempts:      make(map[string]*attemptInfo),
		maxAttempts:   maxAttempts,
		windowSize:    windowSize,
		blockDuration: blockDuration,
		stop:          make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// DefaultLimiter returns a limiter with sensible defaults for SMTP AUTH:
// 5 failed attempts per 15 minutes, 30 minute block.
func DefaultLimiter() *Limiter {
	return New(5, 15*time.Minute, 30*time.Minute)
}

// IsBlocked reports whether key is currently blocked.
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info, ok := l.attempts[key]
	if !ok {
		return false
	}
	return !info.blockedAt.IsZero() && time.Since(info.blockedAt) < l.blockDuration
}

// RecordFailure records a failure for key, returning true if this
// failure just tripped the block.
func (l *Limiter) RecordFailure(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	info, ok := l.attempts[key]
	if !ok {
		l.attempts[key] = &attemptInfo{count: 1, firstTime: now}
		return false
	}

	if now.Sub(info.firstTime) > l.windowSize {
		info.count = 1
		info.firstTime = now
		info.blockedAt = time.Time{}
		return false
	}

	info.count++
	if info.count >= l.maxAttempts {
		info.blockedAt = now
		return true
	}
	return false
}

// RecordSuccess clears key's failure history.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// Close stops the background cleanup goroutine.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			maxAge := l.windowSize + l.blockDuration
			for key, info := range l.attempts {
				if now.Sub(info.firstTime) > maxAge {
					delete(l.attempts, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
