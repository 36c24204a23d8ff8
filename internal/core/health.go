package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"notifyd/internal/types"
)

// healthCheckTimeout bounds the whole probe fan-out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one runtime dependency (broker, Redis, Postgres).
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a plain check function into a HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// NewProbe is shorthand for ProbeFunc{name, fn}.
func NewProbe(name string, fn func(ctx context.Context) error) HealthProbe {
	return ProbeFunc{ProbeName: name, Fn: fn}
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                      `json:"status"`
	Version    string                      `json:"version,omitempty"`
	Components map[string]componentStatus  `json:"components,omitempty"`
	Breakers   []types.CircuitBreakerState `json:"breakers,omitempty"`
}

// HandleHealth runs every probe concurrently under a shared deadline.
// Any failing or unfinished probe turns the response into a 503. An open
// breaker is reported but does not fail the check: the worker is still
// consuming and deferring deliveries while the provider recovers.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:   "healthy",
		Version:  s.Version,
		Breakers: s.breakerSnapshots(),
	}

	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	results := runProbes(ctx, s.HealthProbes)

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	for _, probe := range s.HealthProbes {
		name := probe.Name()
		err, done := results[name]
		switch {
		case !done:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Status = "unhealthy"
			resp.Components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[name] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

// runProbes returns the outcome of every probe that finished before ctx
// expired. Probes still running are absent from the map.
func runProbes(ctx context.Context, probes []HealthProbe) map[string]error {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(probes))
	)

	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()

			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("probe panicked: %v", rec)
					}
				}()
				err = p.Check(ctx)
			}()

			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]error, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

// HandleBreakers lists the state of every channel breaker.
func (s *Server) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, s.breakerSnapshots())
}

func (s *Server) breakerSnapshots() []types.CircuitBreakerState {
	out := make([]types.CircuitBreakerState, 0, len(s.Breakers))
	for _, b := range s.Breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
