package router

import (
	"testing"

	"github.com/BaSui01/agentflow/llm/circuitbreaker"

	"go.uber.org/zap"
)

func TestStateFromCircuitBreaker(t *testing.T) {
	tests := []struct {
		name string
		in   circuitbreaker.State
		want BreakerState
	}{
		{"closed", circuitbreaker.StateClosed, BreakerClosed},
		{"open", circuitbreaker.StateOpen, BreakerOpen},
		{"half-open", circuitbreaker.StateHalfOpen, BreakerHalfOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StateFromCircuitBreaker(tt.in); got != tt.want {
				t.Errorf("StateFromCircuitBreaker(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRouterBindBreaker(t *testing.T) {
	r := NewRouter(StrategyRoundRobin, nil, nil, zap.NewNop())
	r.Register(&Entry{ModelID: "m1", ProviderName: "openai", Available: true})

	cfg := circuitbreaker.DefaultConfig()
	r.BindBreaker("m1", cfg)

	cfg.OnStateChange(circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	entry, ok := r.Get("m1")
	if !ok {
		t.Fatal("expected entry m1 to be registered")
	}
	if entry.Breaker != BreakerOpen {
		t.Errorf("expected Breaker to be BreakerOpen after state change, got %v", entry.Breaker)
	}
}

func TestRouterBindBreakerPreservesExistingCallback(t *testing.T) {
	r := NewRouter(StrategyRoundRobin, nil, nil, zap.NewNop())
	r.Register(&Entry{ModelID: "m1", ProviderName: "openai", Available: true})

	called := false
	cfg := circuitbreaker.DefaultConfig()
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		called = true
	}
	r.BindBreaker("m1", cfg)

	cfg.OnStateChange(circuitbreaker.StateClosed, circuitbreaker.StateHalfOpen)

	if !called {
		t.Error("expected original OnStateChange callback to still be invoked")
	}
	entry, _ := r.Get("m1")
	if entry.Breaker != BreakerHalfOpen {
		t.Errorf("expected Breaker to be BreakerHalfOpen, got %v", entry.Breaker)
	}
}
