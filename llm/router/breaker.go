package router

import "github.com/BaSui01/agentflow/llm/circuitbreaker"

// StateFromCircuitBreaker maps circuitbreaker.State onto the router's own
// BreakerState. The two stay separate types (rather than one shared enum)
// so llm/router does not force every BreakerState consumer to import
// llm/circuitbreaker.
func StateFromCircuitBreaker(s circuitbreaker.State) BreakerState {
	switch s {
	case circuitbreaker.StateOpen:
		return BreakerOpen
	case circuitbreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BindBreaker wraps cfg.OnStateChange so every transition the breaker for
// modelID makes is also pushed into the router's Entry.Breaker field,
// connecting C3 to C4 the way the model registry's health/breaker
// subsystem is expected to (spec.md §4.3: "health pushed in, never
// polled"). Any OnStateChange already set on cfg is preserved and called
// first.
func (r *Router) BindBreaker(modelID string, cfg *circuitbreaker.Config) *circuitbreaker.Config {
	prev := cfg.OnStateChange
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		if prev != nil {
			prev(from, to)
		}
		r.UpdateBreakerState(modelID, StateFromCircuitBreaker(to))
	}
	return cfg
}
