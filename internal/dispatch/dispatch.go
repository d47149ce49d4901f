// Package dispatch resolves logical model names to upstream provider
// adapters and applies the fallback policy across them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

var (
	// ErrNoRoute indicates a logical model with no configured route. Checked
	// before any network call.
	ErrNoRoute = errors.New("no route for model")
	// ErrProvidersExhausted indicates every adapter in the route failed with
	// a retryable error.
	ErrProvidersExhausted = errors.New("all providers unavailable")
)

// Target is one entry of a ProviderRoute: an adapter plus the upstream model
// name it should be called with.
type Target struct {
	Adapter       provider.Adapter
	UpstreamModel string
}

// Dispatcher holds the route table, immutable after construction, and one
// circuit breaker per adapter.
type Dispatcher struct {
	routes         map[string][]Target
	breakers       map[string]*gobreaker.CircuitBreaker
	attemptTimeout time.Duration
	log            *logrus.Entry
}

func New(routes map[string][]Target, attemptTimeout time.Duration, log *logrus.Logger) *Dispatcher {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, targets := range routes {
		for _, t := range targets {
			name := t.Adapter.Name()
			if _, ok := breakers[name]; ok {
				continue
			}
			settings := gobreaker.Settings{
				Name:        name,
				MaxRequests: 3,
				Interval:    5 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			}
			breakers[name] = gobreaker.NewCircuitBreaker(settings)
		}
	}
	return &Dispatcher{
		routes:         routes,
		breakers:       breakers,
		attemptTimeout: attemptTimeout,
		log:            log.WithField("component", "dispatch"),
	}
}

// Models returns the configured logical model names, sorted.
func (d *Dispatcher) Models() []string {
	models := make([]string, 0, len(d.routes))
	for m := range d.routes {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Dispatch issues a unary completion, attempting targets in priority order.
// Retryable failures (timeouts, 5xx, rate limits, open breakers) fall
// through to the next target; non-retryable failures surface immediately
// since re-sending a rejected request to another provider cannot succeed.
func (d *Dispatcher) Dispatch(ctx context.Context, model string, req *provider.Request) (*provider.Response, error) {
	targets, ok := d.routes[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, model)
	}

	var lastErr error
	for _, target := range targets {
		cb := d.breakers[target.Adapter.Name()]
		if cb.State() == gobreaker.StateOpen {
			lastErr = fmt.Errorf("circuit breaker open for provider %s", target.Adapter.Name())
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		start := time.Now()
		upstream := *req
		upstream.Model = target.UpstreamModel
		result, err := cb.Execute(func() (interface{}, error) {
			return target.Adapter.Complete(attemptCtx, &upstream)
		})
		cancel()

		if err != nil {
			if provider.IsRetryable(err) {
				d.log.WithFields(logrus.Fields{
					"provider": target.Adapter.Name(),
					"model":    model,
				}).WithError(err).Warn("provider attempt failed, trying next target")
				lastErr = err
				continue
			}
			return nil, err
		}

		resp := result.(*provider.Response)
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvidersExhausted, lastErr)
	}
	return nil, ErrProvidersExhausted
}

// DispatchStream establishes a streamed completion with the same fallback
// policy, which applies only until a stream is established. The returned
// channel is forward-only and not restartable; mid-stream failures pass
// through to the consumer and feed the adapter's breaker.
func (d *Dispatcher) DispatchStream(ctx context.Context, model string, req *provider.Request) (<-chan *provider.Chunk, error) {
	targets, ok := d.routes[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, model)
	}

	var lastErr error
	for _, target := range targets {
		cb := d.breakers[target.Adapter.Name()]
		if cb.State() == gobreaker.StateOpen {
			lastErr = fmt.Errorf("circuit breaker open for provider %s", target.Adapter.Name())
			continue
		}

		upstream := *req
		upstream.Model = target.UpstreamModel
		upstream.Stream = true
		ch, err := target.Adapter.CompleteStream(ctx, &upstream)
		if err != nil {
			_, _ = cb.Execute(func() (interface{}, error) { return nil, err })
			if provider.IsRetryable(err) {
				d.log.WithFields(logrus.Fields{
					"provider": target.Adapter.Name(),
					"model":    model,
				}).WithError(err).Warn("stream establishment failed, trying next target")
				lastErr = err
				continue
			}
			return nil, err
		}
		return d.wrapStream(ctx, ch, cb), nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvidersExhausted, lastErr)
	}
	return nil, ErrProvidersExhausted
}

func (d *Dispatcher) wrapStream(ctx context.Context, orig <-chan *provider.Chunk, cb *gobreaker.CircuitBreaker) <-chan *provider.Chunk {
	wrapped := make(chan *provider.Chunk)
	go func() {
		defer close(wrapped)
		for chunk := range orig {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) { return nil, chunk.Err })
			}
			select {
			case wrapped <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return wrapped
}
