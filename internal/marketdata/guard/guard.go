// Package guard wraps venue REST calls with a token-bucket rate limit and a
// circuit breaker, and records request metrics. Every connector routes its
// HTTP calls through one Guard per venue.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/metrics"
)

// Guard serializes outbound requests for one venue.
type Guard struct {
	venue   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
}

// New builds a Guard allowing rps requests per second with a small burst.
// A nil metrics registry is replaced with a no-op one.
func New(venue string, rps float64, m *metrics.Registry) *Guard {
	if rps <= 0 {
		rps = 1
	}
	if m == nil {
		m = metrics.Nop()
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	settings := gobreaker.Settings{
		Name:        venue,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			if counts.Requests >= 10 {
				errorRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return errorRate >= 0.6
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("venue circuit state changed")
		},
	}
	return &Guard{
		venue:   venue,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		metrics: m,
	}
}

// Do runs fn under the rate limit and circuit breaker. An open circuit is
// reported as domain.ErrVenue so callers can degrade to cached data.
func (g *Guard) Do(ctx context.Context, endpoint string, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	start := time.Now()
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	g.metrics.ObserveVenueRequest(g.venue, endpoint, time.Since(start), err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s circuit open: %w", g.venue, domain.ErrVenue)
	}
	return err
}

// State exposes the breaker state for health reporting.
func (g *Guard) State() string {
	return g.breaker.State().String()
}
