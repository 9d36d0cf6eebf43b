// Package publisher defines the publishing capability the engine drives
// work against. Destinations are opaque collaborators registered by name;
// the engine never knows what sits behind them.
package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"postflow/internal/domain"
)

// Destination is one external publishing target.
type Destination interface {
	Name() string
	Publish(ctx context.Context, content json.RawMessage) (domain.DestinationResult, error)
	Update(ctx context.Context, externalID string, content json.RawMessage) error
	Delete(ctx context.Context, externalID string) error
}

// Result is the outcome of a fan-out publish. Success is true only when
// every destination accepted the content.
type Result struct {
	Success bool
	Results []domain.DestinationResult
	Errors  []string
}

// ErrorSummary joins the per-destination errors for execution records.
func (r Result) ErrorSummary() string {
	return strings.Join(r.Errors, "; ")
}

// Publisher is the capability consumed by the schedule executor and the
// publish/update/delete queue handlers.
type Publisher interface {
	PublishToDestinations(ctx context.Context, content json.RawMessage, destinations []string) Result
	Destination(name string) (Destination, bool)
}

// Registry multiplexes named destinations with a per-destination rate
// limit. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	dests      map[string]Destination
	limiters   map[string]*rate.Limiter
	ratePerSec float64
}

// NewRegistry creates a destination registry. ratePerSec bounds sustained
// writes per destination; zero disables limiting.
func NewRegistry(ratePerSec float64) *Registry {
	return &Registry{
		dests:      make(map[string]Destination),
		limiters:   make(map[string]*rate.Limiter),
		ratePerSec: ratePerSec,
	}
}

// Register adds or replaces a destination under its name.
func (r *Registry) Register(d Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests[d.Name()] = d
	if r.ratePerSec > 0 {
		r.limiters[d.Name()] = rate.NewLimiter(rate.Limit(r.ratePerSec), 1)
	}
}

// Destination looks up a registered destination by name.
func (r *Registry) Destination(name string) (Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dests[name]
	return d, ok
}

// PublishToDestinations writes content to each named destination in order
// and collects per-destination outcomes. Unknown names and destination
// failures become failed results; they never abort the remaining fan-out.
func (r *Registry) PublishToDestinations(ctx context.Context, content json.RawMessage, destinations []string) Result {
	res := Result{Success: true}
	for _, name := range destinations {
		d, ok := r.Destination(name)
		if !ok {
			res.Success = false
			res.Results = append(res.Results, domain.DestinationResult{
				Destination: name,
				Error:       "unknown destination",
			})
			res.Errors = append(res.Errors, name+": unknown destination")
			continue
		}

		if err := r.waitTurn(ctx, name); err != nil {
			res.Success = false
			res.Results = append(res.Results, domain.DestinationResult{
				Destination: name,
				Error:       err.Error(),
			})
			res.Errors = append(res.Errors, name+": "+err.Error())
			continue
		}

		dr, err := d.Publish(ctx, content)
		dr.Destination = name
		if err != nil {
			dr.Success = false
			if dr.Error == "" {
				dr.Error = err.Error()
			}
			res.Success = false
			res.Errors = append(res.Errors, name+": "+err.Error())
		}
		res.Results = append(res.Results, dr)
	}
	return res
}

func (r *Registry) waitTurn(ctx context.Context, name string) error {
	r.mu.RLock()
	l := r.limiters[name]
	r.mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
