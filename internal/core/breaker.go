package core

import (
	"errors"
	"sync"
)

// ErrCircuitOpen is returned by the runner once too many consecutive
// batches failed transiently on every item.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of the batch breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker counts consecutive batches in which every attempted item was a
// transient failure. Any batch with a non-transient outcome resets it.
// Batches that attempted nothing leave it unchanged.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	state     BreakerState
}

// NewBreaker returns a breaker that opens after threshold failing batches.
// A threshold <= 0 disables it.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// Record folds one batch into the breaker and returns its new state.
func (b *Breaker) Record(res *BatchResult) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threshold <= 0 || res == nil || res.Attempted == 0 {
		return b.state
	}
	if res.AllTransient() {
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	} else {
		b.failures = 0
		b.state = BreakerClosed
	}
	return b.state
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}
