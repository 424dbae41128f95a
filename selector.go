package main

import (
	"encoding/json"
	"sort"
	"sync"
)

const (
	strategyQuality      = "quality"
	strategyPerformance  = "performance"
	strategyLoadBalanced = "load-balanced"
	strategyRoundRobin   = "round-robin"
	strategyAdaptive     = "adaptive"
)

// SelectionRequest carries the request hints a strategy may inspect.
type SelectionRequest struct {
	Method    string  `json:"method"`
	ToolName  string  `json:"toolName,omitempty"`
	TimeoutMs float64 `json:"timeout,omitempty"`
	Priority  string  `json:"priority,omitempty"`
}

// SelectionResult explains one strategy decision.
type SelectionResult struct {
	SelectedServer        string   `json:"selectedServer"`
	Confidence            float64  `json:"confidence"`
	Reason                string   `json:"reason"`
	Alternatives          []string `json:"alternatives"`
	EstimatedResponseTime float64  `json:"estimatedResponseTime"`
	StrategyName          string   `json:"strategyName"`
}

// candidate pairs a metrics record with its quality score for ranking.
type candidate struct {
	record MetricsRecord
	score  QualityScore
}

// Strategy picks one upstream from the healthy candidate set, or none.
type Strategy interface {
	Name() string
	Select(request *SelectionRequest, candidates []candidate) (string, string)
}

type selectorRegistry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func newSelectorRegistry() *selectorRegistry {
	r := &selectorRegistry{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		qualityStrategy{},
		performanceStrategy{},
		loadBalancedStrategy{},
		&roundRobinStrategy{},
		adaptiveStrategy{},
	} {
		r.strategies[s.Name()] = s
	}
	return r
}

func (r *selectorRegistry) get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

func (r *selectorRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// run executes a strategy and wraps its pick with confidence and
// alternatives. Confidence is 1 − rank/n where rank is the pick's position
// in overall-score order.
func (r *selectorRegistry) run(strategy Strategy, request *SelectionRequest, records []MetricsRecord) *SelectionResult {
	if len(records) == 0 {
		return nil
	}
	candidates := make([]candidate, 0, len(records))
	for _, rec := range records {
		candidates = append(candidates, candidate{record: rec, score: scoreFor(rec)})
	}

	selected, reason := strategy.Select(request, candidates)
	if selected == "" {
		return nil
	}

	byOverall := make([]candidate, len(candidates))
	copy(byOverall, candidates)
	sort.Slice(byOverall, func(i, j int) bool {
		return byOverall[i].score.Overall > byOverall[j].score.Overall
	})
	rank := 0
	var estimated float64
	alternatives := make([]string, 0, 3)
	for i, c := range byOverall {
		if c.record.ServerName == selected {
			rank = i
			estimated = c.record.ResponseTime
			continue
		}
		if len(alternatives) < 3 {
			alternatives = append(alternatives, c.record.ServerName)
		}
	}

	return &SelectionResult{
		SelectedServer:        selected,
		Confidence:            1 - float64(rank)/float64(len(candidates)),
		Reason:                reason,
		Alternatives:          alternatives,
		EstimatedResponseTime: estimated,
		StrategyName:          strategy.Name(),
	}
}

// scoreFor mirrors the metrics store's quality derivation so strategies can
// rank snapshot copies without reaching back into the store.
func scoreFor(rec MetricsRecord) QualityScore {
	score := QualityScore{
		Performance: maxf(0, 1-rec.ResponseTime/performanceCeiling),
		Capability:  rec.CapabilityScore,
		Load:        1 - rec.LoadFactor,
	}
	if rec.IsHealthy {
		score.Reliability = rec.SuccessRate
	}
	score.Overall = 0.30*score.Performance + 0.30*score.Reliability + 0.20*score.Capability + 0.20*score.Load
	return score
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

type qualityStrategy struct{}

func (qualityStrategy) Name() string { return strategyQuality }

func (qualityStrategy) Select(_ *SelectionRequest, candidates []candidate) (string, string) {
	best := argBest(candidates, func(a, b candidate) bool {
		return a.score.Overall > b.score.Overall
	})
	return best, "highest overall quality score"
}

type performanceStrategy struct{}

func (performanceStrategy) Name() string { return strategyPerformance }

func (performanceStrategy) Select(_ *SelectionRequest, candidates []candidate) (string, string) {
	best := argBest(candidates, func(a, b candidate) bool {
		return a.record.ResponseTime < b.record.ResponseTime
	})
	return best, "lowest smoothed response time"
}

type loadBalancedStrategy struct{}

func (loadBalancedStrategy) Name() string { return strategyLoadBalanced }

func (loadBalancedStrategy) Select(_ *SelectionRequest, candidates []candidate) (string, string) {
	best := argBest(candidates, func(a, b candidate) bool {
		return a.record.LoadFactor < b.record.LoadFactor
	})
	return best, "lowest load factor"
}

// roundRobinStrategy cycles through the healthy set in name order. The index
// survives across calls and is advanced after each selection.
type roundRobinStrategy struct {
	mu    sync.Mutex
	index int
}

func (*roundRobinStrategy) Name() string { return strategyRoundRobin }

func (s *roundRobinStrategy) Select(_ *SelectionRequest, candidates []candidate) (string, string) {
	if len(candidates) == 0 {
		return "", ""
	}
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.record.ServerName)
	}
	sort.Strings(names)
	s.mu.Lock()
	pick := names[s.index%len(names)]
	s.index++
	s.mu.Unlock()
	return pick, "round-robin rotation"
}

// adaptiveStrategy routes by request shape: latency-sensitive requests go to
// the fastest upstream, high-priority ones to the most reliable, everything
// else by overall quality.
type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return strategyAdaptive }

func (adaptiveStrategy) Select(request *SelectionRequest, candidates []candidate) (string, string) {
	if request != nil && request.TimeoutMs > 0 && request.TimeoutMs < 1000 {
		best, _ := performanceStrategy{}.Select(request, candidates)
		return best, "tight timeout, fastest upstream"
	}
	if request != nil && request.Priority == "high" {
		best := argBest(candidates, func(a, b candidate) bool {
			return a.record.SuccessRate > b.record.SuccessRate
		})
		return best, "high priority, most reliable upstream"
	}
	best, _ := qualityStrategy{}.Select(request, candidates)
	return best, "default quality ranking"
}

func argBest(candidates []candidate, better func(a, b candidate) bool) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best.record.ServerName
}

// selectionRequestFromArgs sniffs the strategy hints out of a tool call's
// arguments without committing to any schema.
func selectionRequestFromArgs(method, name string, args any) *SelectionRequest {
	request := &SelectionRequest{Method: method, ToolName: name}
	data, err := json.Marshal(args)
	if err != nil {
		return request
	}
	var hints struct {
		Timeout  float64 `json:"timeout"`
		Priority string  `json:"priority"`
	}
	if err := json.Unmarshal(data, &hints); err != nil {
		return request
	}
	request.TimeoutMs = hints.Timeout
	request.Priority = hints.Priority
	return request
}
