package store

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrStoreDisabled is returned while Redis is unavailable. Callers treat
// the operation as a no-op with an empty result.
var ErrStoreDisabled = errors.New("store: redis unavailable")

// Breaker guards Redis operations. After repeated failures it opens and
// reads/writes short-circuit to ErrStoreDisabled while reconnection is
// probed in the background by half-open trials.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that opens after 5 consecutive failures
// and probes again after 10 seconds.
func NewBreaker(name string) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("redis breaker state change")
		},
	})
	return &Breaker{cb: cb}
}

// Do runs fn under the breaker, mapping open-circuit rejections to
// ErrStoreDisabled.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrStoreDisabled
	}
	return err
}

// Available reports whether the breaker currently admits requests.
func (b *Breaker) Available() bool {
	return b.cb.State() != gobreaker.StateOpen
}
