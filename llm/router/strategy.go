package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// StrategyName enumerates the strategies a Router may be configured with.
// Values mirror the `router.default_strategy`/`available_strategies`
// configuration section.
type StrategyName string

const (
	StrategyRoundRobin         StrategyName = "round-robin"
	StrategyLoadBalanced       StrategyName = "load-balanced"
	StrategyContentBased       StrategyName = "content-based"
	StrategyCostOptimized      StrategyName = "cost-optimized"
	StrategyLatencyOptimized   StrategyName = "performance-optimized"
	StrategyFallback           StrategyName = "fallback"
)

// ErrNoSuitableModel is returned when the filtered candidate set is empty.
var ErrNoSuitableModel = errors.New("no suitable model for request")

// ErrCircuitOpen is returned when every remaining candidate's breaker is open.
var ErrCircuitOpen = errors.New("all candidate breakers are open")

// BreakerState mirrors circuitbreaker.State without importing that
// package, so the router can filter on breaker state without a hard
// dependency cycle between router and circuitbreaker consumers.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// Capabilities describes what a registry entry's upstream model supports.
type Capabilities struct {
	SupportsFunctions bool
	SupportsTools     bool
	Streaming         bool
	MaxContext        int
}

// Entry is a model registry entry (C2) as seen by the router (C4). It is
// the routing-facing projection of llm/registry.go's RegistryEntry.
type Entry struct {
	ModelID      string
	ProviderName string
	Endpoint     string
	Available    bool
	Capabilities Capabilities
	PriceInput   float64 // per 1k tokens
	PriceOutput  float64 // per 1k tokens
	Breaker      BreakerState
	SuccessRate  float64
	LatencyP50Ms float64
	InFlight     int64 // outstanding in-flight requests, read via atomic
}

// Request is the router-facing view of an inbound chat completion request.
type Request struct {
	Model              string
	PromptTokens       int
	EstCompletionTokens int
	HasTools           bool
	HasFunctions       bool
}

// Strategy is a total function selecting one candidate (or none) from the
// filtered set. Strategies never mutate candidates; stateful strategies
// (RoundRobin, LoadBalanced) keep their state on the Router instance.
type Strategy func(req *Request, candidates []*Entry) (*Entry, bool)

// filterCandidates applies the mandatory pre-strategy filter (§4.4):
// exclude Open breakers, capability mismatches, and (if the request
// names a model) everything but that model.
func filterCandidates(req *Request, all []*Entry) []*Entry {
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if e == nil || !e.Available {
			continue
		}
		if e.Breaker == BreakerOpen {
			continue
		}
		if req.HasTools && !e.Capabilities.SupportsTools {
			continue
		}
		if req.HasFunctions && !e.Capabilities.SupportsFunctions {
			continue
		}
		if req.Model != "" && e.ModelID != req.Model {
			continue
		}
		out = append(out, e)
	}
	return out
}

// RoundRobinStrategy rotates deterministically over the filtered set using
// a per-router atomic cursor.
func RoundRobinStrategy(cursor *uint64) Strategy {
	return func(_ *Request, candidates []*Entry) (*Entry, bool) {
		if len(candidates) == 0 {
			return nil, false
		}
		n := atomic.AddUint64(cursor, 1)
		return candidates[int(n-1)%len(candidates)], true
	}
}

// LoadBalancedStrategy picks the candidate with the lowest outstanding
// in-flight count, breaking ties by insertion order (round-robin-ish,
// since the filtered slice itself has no stable ordering guarantee beyond
// registry iteration, a tie is resolved by the first seen).
func LoadBalancedStrategy(_ *Request, candidates []*Entry) (*Entry, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if atomic.LoadInt64(&c.InFlight) < atomic.LoadInt64(&best.InFlight) {
			best = c
		}
	}
	return best, true
}

// ContentRule is one `pattern -> model_id` entry of a ContentBased strategy.
type ContentRule struct {
	Pattern string
	ModelID string
}

// ContentBasedStrategy matches req.Model (and falls through to nothing on
// no match, letting the router fall back to the default strategy).
func ContentBasedStrategy(rules []ContentRule) Strategy {
	return func(req *Request, candidates []*Entry) (*Entry, bool) {
		for _, rule := range rules {
			if !strings.Contains(req.Model, rule.Pattern) {
				continue
			}
			for _, c := range candidates {
				if c.ModelID == rule.ModelID {
					return c, true
				}
			}
		}
		return nil, false
	}
}

// CostOptimizedStrategy minimizes prompt_tokens*input_price + est_completion_tokens*output_price.
func CostOptimizedStrategy(req *Request, candidates []*Entry) (*Entry, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	bestCost := estimatedCost(req, best)
	for _, c := range candidates[1:] {
		if cost := estimatedCost(req, c); cost < bestCost {
			best, bestCost = c, cost
		}
	}
	return best, true
}

func estimatedCost(req *Request, e *Entry) float64 {
	return float64(req.PromptTokens)/1000*e.PriceInput + float64(req.EstCompletionTokens)/1000*e.PriceOutput
}

// LatencyOptimizedStrategy minimizes the rolling p50 latency observation.
func LatencyOptimizedStrategy(_ *Request, candidates []*Entry) (*Entry, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.LatencyP50Ms < best.LatencyP50Ms {
			best = c
		}
	}
	return best, true
}

// FallbackStrategy returns the first candidate in order whose breaker is
// not open. order names model_ids in priority order; candidates not named
// in order are ignored.
func FallbackStrategy(order []string) Strategy {
	return func(_ *Request, candidates []*Entry) (*Entry, bool) {
		byID := make(map[string]*Entry, len(candidates))
		for _, c := range candidates {
			byID[c.ModelID] = c
		}
		for _, id := range order {
			if c, ok := byID[id]; ok && c.Breaker != BreakerOpen {
				return c, true
			}
		}
		return nil, false
	}
}

// Router is the strategy-driven C4 implementation over a live candidate
// set. Candidate state (availability, breaker, health) is expected to be
// refreshed by the same health/breaker subsystem that feeds WeightedRouter;
// Router never performs I/O.
type Router struct {
	mu         sync.RWMutex
	entries    map[string]*Entry // keyed by model_id
	strategies map[StrategyName]Strategy
	def        StrategyName
	cursor     uint64
	logger     *zap.Logger
}

// NewRouter builds a Router with the standard strategy set registered.
// rules configures ContentBased; fallbackOrder configures Fallback.
func NewRouter(defaultStrategy StrategyName, rules []ContentRule, fallbackOrder []string, logger *zap.Logger) *Router {
	r := &Router{
		entries: make(map[string]*Entry),
		def:     defaultStrategy,
		logger:  logger,
	}
	r.strategies = map[StrategyName]Strategy{
		StrategyRoundRobin:       RoundRobinStrategy(&r.cursor),
		StrategyLoadBalanced:     LoadBalancedStrategy,
		StrategyContentBased:     ContentBasedStrategy(rules),
		StrategyCostOptimized:    CostOptimizedStrategy,
		StrategyLatencyOptimized: LatencyOptimizedStrategy,
		StrategyFallback:         FallbackStrategy(fallbackOrder),
	}
	return r
}

// Register adds or replaces a registry entry.
func (r *Router) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ModelID] = e
}

// Deregister removes a registry entry.
func (r *Router) Deregister(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, modelID)
}

// Get returns one entry by model_id.
func (r *Router) Get(modelID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[modelID]
	return e, ok
}

// UpdateBreakerState is called by C3 after every call completes.
func (r *Router) UpdateBreakerState(modelID string, state BreakerState) {
	r.mu.RLock()
	e, ok := r.entries[modelID]
	r.mu.RUnlock()
	if ok {
		e.Breaker = state
	}
}

func (r *Router) snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Route selects one entry per the named strategy (or the router's
// configured default when name is empty), applying the mandatory
// pre-strategy filter first.
func (r *Router) Route(_ context.Context, name StrategyName, req *Request) (*Entry, error) {
	candidates := filterCandidates(req, r.snapshot())
	if len(candidates) == 0 {
		if r.anyTripped(req) {
			return nil, ErrCircuitOpen
		}
		return nil, ErrNoSuitableModel
	}

	if name == "" {
		name = r.def
	}
	strat, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}

	entry, ok := strat(req, candidates)
	if !ok && name != r.def {
		// ContentBased strategies fall through to the default on no match.
		if strat2, ok2 := r.strategies[r.def]; ok2 {
			entry, ok = strat2(req, candidates)
		}
	}
	if !ok || entry == nil {
		return nil, ErrNoSuitableModel
	}
	return entry, nil
}

// anyTripped reports whether the request would have had candidates absent
// breaker state, distinguishing NoSuitableModel from CircuitOpen per §4.4.
func (r *Router) anyTripped(req *Request) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if !e.Available {
			continue
		}
		if req.HasTools && !e.Capabilities.SupportsTools {
			continue
		}
		if req.HasFunctions && !e.Capabilities.SupportsFunctions {
			continue
		}
		if req.Model != "" && e.ModelID != req.Model {
			continue
		}
		if e.Breaker == BreakerOpen {
			return true
		}
	}
	return false
}
