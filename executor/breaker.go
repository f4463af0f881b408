package executor

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

// errBreakerProbe is recorded through Execute so gobreaker counts the outcome.
var errBreakerProbe = errors.New("remote call failed")

// breaker shields a pool from hammering the remote platform while its
// transport is unhealthy. Only transport-level failures are recorded;
// rate limits and permanent API errors do not trip it.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(name string, consecutiveFailures int, timeout time.Duration, log logger.Logger) *breaker {
	return &breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1, // single probe in half-open state
			Interval:    0,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(consecutiveFailures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnn("circuit breaker state changed",
					logger.NewStringField("pool", name),
					logger.NewStringField("from", from.String()),
					logger.NewStringField("to", to.String()),
				)
			},
		}),
	}
}

func (b *breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func (b *breaker) Success() {
	_, _ = b.cb.Execute(func() (any, error) { return nil, nil })
}

func (b *breaker) Failure() {
	_, _ = b.cb.Execute(func() (any, error) { return nil, errBreakerProbe })
}
