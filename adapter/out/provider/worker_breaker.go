package provider

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

// newBreaker trips on sustained server-side failures. Auth and protocol
// errors pass through without counting.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	})
}

// nonCircuitError carries an error through the breaker without tripping it.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

// execute runs fn through cb. fn must return taxonomy errors. An open
// breaker surfaces as a transient error. A nil cb runs fn directly.
func execute(cb *gobreaker.CircuitBreaker, provider string, fn func() error) error {
	if cb == nil {
		return fn()
	}
	_, err := cb.Execute(func() (any, error) {
		if err := fn(); err != nil {
			if out.KindOf(err) != out.ErrKindTransient {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.TransientError(provider, "circuit open", err)
	}
	return err
}
