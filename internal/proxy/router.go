package proxy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
)

// ErrUnsupportedModel is returned when no registered provider serves the model.
var ErrUnsupportedModel = errors.New("no provider supports model")

// Router dispatches each request to a provider serving its model and guards
// every provider with a circuit breaker. It satisfies provider.Provider so the
// orchestrator sees a single backend.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

// healthy reports whether err says something about the provider's health.
// Client errors such as 400 or 401 do not count against the breaker.
func healthy(err error) bool {
	if err == nil {
		return true
	}
	var se *provider.StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != 408 && se.StatusCode != 429
	}
	return errors.Is(err, context.Canceled)
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: healthy,
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// Route picks the first provider serving req.Model whose breaker is not open.
// An empty model matches any provider.
func (r *Router) Route(req *provider.Request) (provider.Provider, error) {
	supported := false
	for _, p := range r.providers {
		if req.Model != "" && !slices.Contains(p.SupportedModels(), req.Model) {
			continue
		}
		supported = true
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		return p, nil
	}

	if !supported {
		return nil, &retry.PermanentError{Err: fmt.Errorf("%w: %q", ErrUnsupportedModel, req.Model)}
	}
	return nil, fmt.Errorf("all providers for %q unavailable: %w", req.Model, gobreaker.ErrOpenState)
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

// ExecuteStream opens the stream and reports its outcome to the breaker once
// the final chunk or an error arrives.
func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	cb := r.breakers[p.Name()]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("provider %s: %w", p.Name(), gobreaker.ErrOpenState)
	}

	origCh, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			chunk.Provider = p.Name()
			if chunk.Err != nil || chunk.Done {
				outcome := chunk.Err
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, outcome
				})
			}
			if !provider.Send(ctx, wrappedCh, chunk) {
				return
			}
		}
	}()

	return wrappedCh, nil
}

func (r *Router) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p, err := r.Route(req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, req, p)
}

func (r *Router) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	p, err := r.Route(req)
	if err != nil {
		return nil, err
	}
	return r.ExecuteStream(ctx, req, p)
}

func (r *Router) Name() string { return "router" }

func (r *Router) SupportedModels() []string {
	var models []string
	for _, p := range r.providers {
		for _, m := range p.SupportedModels() {
			if !slices.Contains(models, m) {
				models = append(models, m)
			}
		}
	}
	return models
}

// BreakerStates maps provider name to its breaker state.
func (r *Router) BreakerStates() map[string]string {
	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State().String()
	}
	return states
}
