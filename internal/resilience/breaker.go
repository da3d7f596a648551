package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker is
// open.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Breaker wraps the registry client's HTTP calls so a partitioned registry
// fails fast instead of piling up slow calls on the state machine's single
// goroutine.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker opens after 5 consecutive failures and probes again after 30s.
func NewBreaker(name string) *Breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](st)}
}

// Execute runs fn through the breaker. A context cancellation is returned
// verbatim rather than counted as a breaker failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	return err
}

// State reports the breaker's current state for diagnostics.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
