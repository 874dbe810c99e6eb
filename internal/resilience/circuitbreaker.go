// Package resilience guards calls to the upstream mailbox service behind
// a circuit breaker, so a struggling upstream degrades into fast
// rejections instead of every IMAP/SMTP client piling up on slow or
// failing HTTP calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBreakerOpen is returned when the breaker is rejecting calls.
var ErrBreakerOpen = errors.New("upstream breaker is open")

// ErrBreakerTimeout is returned when a guarded call exceeds its execution timeout.
var ErrBreakerTimeout = errors.New("upstream breaker execution timeout")

// BreakerState is one of the three circuit breaker states.
type BreakerState int32

const (
	// Closed is the normal operating state - calls flow through.
	Closed BreakerState = iota
	// Open is the failing state - calls are rejected immediately.
	Open
	// HalfOpen is the recovery-probing state - a limited number of calls are allowed through.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures an UpstreamBreaker.
type BreakerConfig struct {
	// Name identifies the breaker for logging/metrics (typically the
	// upstream host).
	Name string

	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	FailureThreshold int64

	// SuccessThreshold is the number of successful probes in half-open
	// state required to close the breaker again.
	SuccessThreshold int64

	// CoolDown is how long the breaker stays open before admitting a
	// half-open probe.
	CoolDown time.Duration

	// HalfOpenMaxCalls caps concurrent probes while half-open.
	HalfOpenMaxCalls int64

	// CallTimeout bounds a single guarded call (0 disables the bound).
	CallTimeout time.Duration

	// OnTransition, if set, is invoked whenever the breaker changes state.
	OnTransition func(name string, from, to BreakerState)

	// Failed classifies an error returned by a guarded call as a
	// breaker failure. A nil Failed treats every non-nil error as one.
	Failed func(err error) bool
}

// DefaultBreakerConfig returns the defaults the upstream client uses for
// every host it talks to: five failures trip it, two clean probes close
// it, and it waits thirty seconds before testing recovery.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolDown:         30 * time.Second,
		HalfOpenMaxCalls: 3,
		CallTimeout:      10 * time.Second,
	}
}

// UpstreamBreaker wraps calls to one upstream host, tripping open after
// repeated failures and probing for recovery in half-open state.
type UpstreamBreaker struct {
	config BreakerConfig

	state           int32 // atomic BreakerState
	failureCount    int64 // atomic
	successCount    int64 // atomic
	halfOpenCalls   int64 // atomic
	lastFailureTime int64 // atomic (unix nano)
	lastStateChange int64 // atomic (unix nano)

	mu sync.RWMutex
}

// NewUpstreamBreaker builds a breaker from cfg, filling in defaults for
// any zero-valued threshold.
func NewUpstreamBreaker(cfg BreakerConfig) *UpstreamBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}

	return &UpstreamBreaker{
		config:          cfg,
		state:           int32(Closed),
		lastStateChange: time.Now().UnixNano(),
	}
}

// Guard runs call through the breaker: rejected outright while open,
// admitted and counted otherwise. call's context carries CallTimeout
// when configured.
func (b *UpstreamBreaker) Guard(ctx context.Context, call func(ctx context.Context) error) error {
	if ctx == nil {
		return errors.New("context is nil")
	}
	if call == nil {
		return errors.New("call is nil")
	}

	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer func() {
			close(done)
			if r := recover(); r != nil {
				select {
				case errCh <- fmt.Errorf("panic in upstream breaker: %v", r):
				default:
				}
			}
		}()

		err := call(callCtx)

		select {
		case errCh <- err:
		case <-callCtx.Done():
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			err = ErrBreakerTimeout
		} else {
			err = callCtx.Err()
		}
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	b.record(err)
	return err
}

// admit reports whether a call may proceed given the current state,
// transitioning open->half-open once the cool-down has elapsed.
func (b *UpstreamBreaker) admit() error {
	switch BreakerState(atomic.LoadInt32(&b.state)) {
	case Closed:
		return nil

	case Open:
		lastFailure := time.Unix(0, atomic.LoadInt64(&b.lastFailureTime))
		if time.Since(lastFailure) >= b.config.CoolDown {
			b.transitionTo(HalfOpen)
			return nil
		}
		return ErrBreakerOpen

	case HalfOpen:
		calls := atomic.AddInt64(&b.halfOpenCalls, 1)
		if calls > b.config.HalfOpenMaxCalls {
			atomic.AddInt64(&b.halfOpenCalls, -1)
			return ErrBreakerOpen
		}
		return nil

	default:
		return nil
	}
}

// record folds a call's outcome into the breaker's counters and fires
// any resulting state transition.
func (b *UpstreamBreaker) record(err error) {
	failed := err != nil
	if b.config.Failed != nil && err != nil {
		failed = b.config.Failed(err)
	}

	switch BreakerState(atomic.LoadInt32(&b.state)) {
	case Closed:
		if failed {
			failures := atomic.AddInt64(&b.failureCount, 1)
			atomic.StoreInt64(&b.lastFailureTime, time.Now().UnixNano())

			if failures >= b.config.FailureThreshold {
				b.transitionTo(Open)
			}
		} else {
			atomic.StoreInt64(&b.failureCount, 0)
		}

	case HalfOpen:
		atomic.AddInt64(&b.halfOpenCalls, -1)

		if failed {
			atomic.StoreInt64(&b.lastFailureTime, time.Now().UnixNano())
			b.transitionTo(Open)
		} else {
			successes := atomic.AddInt64(&b.successCount, 1)
			if successes >= b.config.SuccessThreshold {
				b.transitionTo(Closed)
			}
		}

	case Open:
		if failed {
			atomic.StoreInt64(&b.lastFailureTime, time.Now().UnixNano())
		}
	}
}

func (b *UpstreamBreaker) transitionTo(newState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := BreakerState(atomic.LoadInt32(&b.state))
	if oldState == newState {
		return
	}

	atomic.StoreInt64(&b.failureCount, 0)
	atomic.StoreInt64(&b.successCount, 0)
	atomic.StoreInt64(&b.halfOpenCalls, 0)
	atomic.StoreInt64(&b.lastStateChange, time.Now().UnixNano())
	atomic.StoreInt32(&b.state, int32(newState))

	if b.config.OnTransition != nil {
		onTransition := b.config.OnTransition
		name := b.config.Name
		go func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				onTransition(name, oldState, newState)
			}()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		}()
	}
}

// State returns the breaker's current state.
func (b *UpstreamBreaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&b.state))
}

// Snapshot reports the breaker's current counters, for the operator
// breaker-status endpoint.
func (b *UpstreamBreaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		Name:            b.config.Name,
		State:           BreakerState(atomic.LoadInt32(&b.state)),
		FailureCount:    atomic.LoadInt64(&b.failureCount),
		SuccessCount:    atomic.LoadInt64(&b.successCount),
		LastFailureTime: time.Unix(0, atomic.LoadInt64(&b.lastFailureTime)),
		LastStateChange: time.Unix(0, atomic.LoadInt64(&b.lastStateChange)),
	}
}

// BreakerSnapshot is a point-in-time view of one breaker's counters.
type BreakerSnapshot struct {
	Name            string
	State           BreakerState
	FailureCount    int64
	SuccessCount    int64
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Reset forces the breaker back to closed, discarding its counters.
func (b *UpstreamBreaker) Reset() {
	b.transitionTo(Closed)
}

// Validate reports whether cfg has the fields a breaker needs to run.
func (cfg BreakerConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("breaker name is required")
	}
	if cfg.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if cfg.SuccessThreshold <= 0 {
		return errors.New("success threshold must be positive")
	}
	if cfg.CoolDown <= 0 {
		return errors.New("cool-down must be positive")
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		return errors.New("half-open max calls must be positive")
	}
	return nil
}

// BreakerRegistry lazily builds and caches one UpstreamBreaker per host
// key, so every call site sharing a host shares its trip state.
type BreakerRegistry struct {
	breakers sync.Map
	config   func(key string) BreakerConfig
	mu       sync.RWMutex
}

// NewBreakerRegistry builds a registry that derives each breaker's
// config from its key via configFactory. Panics if configFactory is nil.
func NewBreakerRegistry(configFactory func(key string) BreakerConfig) *BreakerRegistry {
	if configFactory == nil {
		panic("breaker config factory cannot be nil")
	}
	return &BreakerRegistry{
		config: configFactory,
	}
}

// Get returns the breaker for key, creating it on first use. Safe for
// concurrent use.
func (r *BreakerRegistry) Get(key string) *UpstreamBreaker {
	if key == "" {
		return nil
	}

	if b, ok := r.breakers.Load(key); ok {
		return b.(*UpstreamBreaker)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers.Load(key); ok {
		return b.(*UpstreamBreaker)
	}

	b := NewUpstreamBreaker(r.config(key))
	r.breakers.Store(key, b)
	return b
}

// Remove drops the breaker for key, if any.
func (r *BreakerRegistry) Remove(key string) {
	r.breakers.Delete(key)
}

// Snapshots returns a snapshot of every breaker currently registered,
// keyed by host, for the operator breaker-status endpoint.
func (r *BreakerRegistry) Snapshots() map[string]BreakerSnapshot {
	result := make(map[string]BreakerSnapshot)
	r.breakers.Range(func(key, value interface{}) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		if b, ok := value.(*UpstreamBreaker); ok {
			result[k] = b.Snapshot()
		}
		return true
	})
	return result
}

// Reset resets every breaker in the registry to closed.
func (r *BreakerRegistry) Reset() {
	r.breakers.Range(func(key, value interface{}) bool {
		if b, ok := value.(*UpstreamBreaker); ok {
			b.Reset()
		}
		return true
	})
}

// Count returns the number of breakers currently registered.
func (r *BreakerRegistry) Count() int {
	count := 0
	r.breakers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
