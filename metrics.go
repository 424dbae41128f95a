package main

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	responseTimeAlpha  = 0.3            // EMA weight of the newest sample
	loadWindow         = 60 * time.Second
	loadSaturationRPM  = 100.0          // requests/minute treated as full load
	loadBlendWeight    = 0.7            // weight of the newest load sample
	loadIdleDecay      = 0.9
	performanceCeiling = 5000.0         // ms mapped to performance score 0
	metricsSweepPeriod = 60 * time.Second
)

// MetricsRecord holds the rolling statistics for one upstream.
type MetricsRecord struct {
	ServerName      string    `json:"serverName"`
	ResponseTime    float64   `json:"responseTime"` // ms, exponentially smoothed
	TotalRequests   int64     `json:"totalRequests"`
	ErrorCount      int64     `json:"errorCount"`
	SuccessRate     float64   `json:"successRate"`
	LastUsed        time.Time `json:"lastUsed"`
	IsHealthy       bool      `json:"isHealthy"`
	LoadFactor      float64   `json:"loadFactor"`
	CapabilityScore float64   `json:"capabilityScore"`
}

// QualityScore is derived purely from the matching MetricsRecord.
type QualityScore struct {
	Performance float64 `json:"performance"`
	Reliability float64 `json:"reliability"`
	Capability  float64 `json:"capability"`
	Load        float64 `json:"load"`
	Overall     float64 `json:"overall"`
}

// MetricsStore keeps per-upstream counters and derived quality scores. All
// mutations recompute the paired QualityScore so readers never see the two
// out of sync.
type MetricsStore struct {
	mu      sync.RWMutex
	records map[string]*MetricsRecord
	scores  map[string]*QualityScore

	retention time.Duration
	now       func() time.Time

	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	serverHealthy   *prometheus.GaugeVec
}

func newMetricsStore(retention time.Duration) *MetricsStore {
	registry := prometheus.NewRegistry()
	store := &MetricsStore{
		records:   make(map[string]*MetricsRecord),
		scores:    make(map[string]*QualityScore),
		retention: retention,
		now:       time.Now,
		registry:  registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_proxy_requests_total",
			Help: "Upstream requests by server and outcome.",
		}, []string{"server", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_proxy_request_duration_seconds",
			Help:    "Upstream request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
		serverHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_proxy_server_healthy",
			Help: "1 when the health monitor considers the server healthy.",
		}, []string{"server"}),
	}
	registry.MustRegister(store.requestsTotal, store.requestDuration, store.serverHealthy)
	return store
}

func (s *MetricsStore) Registry() *prometheus.Registry { return s.registry }

// Initialize seeds a fresh record: perfect success rate, zero load, healthy.
func (s *MetricsStore) Initialize(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = &MetricsRecord{
		ServerName:      name,
		SuccessRate:     1.0,
		LastUsed:        s.now(),
		IsHealthy:       true,
		CapabilityScore: 1.0,
	}
	s.recomputeLocked(name)
	s.serverHealthy.WithLabelValues(name).Set(1)
}

// RecordRequest folds one completed upstream request into the record.
func (s *MetricsStore) RecordRequest(name string, elapsedMs float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return
	}
	now := s.now()

	rec.TotalRequests++
	if !success {
		rec.ErrorCount++
	}
	rec.SuccessRate = 1 - float64(rec.ErrorCount)/float64(rec.TotalRequests)

	if rec.TotalRequests == 1 {
		rec.ResponseTime = elapsedMs
	} else {
		rec.ResponseTime = responseTimeAlpha*elapsedMs + (1-responseTimeAlpha)*rec.ResponseTime
	}

	gap := now.Sub(rec.LastUsed)
	if gap > loadWindow {
		rec.LoadFactor *= loadIdleDecay
	} else {
		if gap <= 0 {
			gap = time.Millisecond
		}
		rpm := float64(rec.TotalRequests) / (gap.Minutes())
		newLoad := math.Min(1, rpm/loadSaturationRPM)
		if rec.TotalRequests == 1 {
			rec.LoadFactor = newLoad
		} else {
			rec.LoadFactor = loadBlendWeight*newLoad + (1-loadBlendWeight)*rec.LoadFactor
		}
	}
	rec.LastUsed = now

	s.recomputeLocked(name)

	outcome := "success"
	if !success {
		outcome = "error"
	}
	s.requestsTotal.WithLabelValues(name, outcome).Inc()
	s.requestDuration.WithLabelValues(name).Observe(elapsedMs / 1000)
}

// MarkHealthy flips only the health bit. A liveness probe outcome is not a
// request, so the counters stay untouched.
func (s *MetricsStore) MarkHealthy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return
	}
	rec.IsHealthy = true
	s.recomputeLocked(name)
	s.serverHealthy.WithLabelValues(name).Set(1)
}

// MarkUnhealthy flips only the health bit; see MarkHealthy.
func (s *MetricsStore) MarkUnhealthy(name string, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return
	}
	rec.IsHealthy = false
	s.recomputeLocked(name)
	s.serverHealthy.WithLabelValues(name).Set(0)
}

func (s *MetricsStore) UpdateCapabilityScore(name string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return
	}
	rec.CapabilityScore = math.Min(1, math.Max(0, score))
	s.recomputeLocked(name)
}

func (s *MetricsStore) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	delete(s.scores, name)
	s.serverHealthy.DeleteLabelValues(name)
}

// Record returns a copy of one record.
func (s *MetricsStore) Record(name string) (MetricsRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return MetricsRecord{}, false
	}
	return *rec, true
}

func (s *MetricsStore) Score(name string) (QualityScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[name]
	if !ok {
		return QualityScore{}, false
	}
	return *score, true
}

// Snapshot returns copies of every record, sorted by name for stable output.
func (s *MetricsStore) Snapshot() []MetricsRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MetricsRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerName < out[j].ServerName })
	return out
}

func (s *MetricsStore) recomputeLocked(name string) {
	rec := s.records[name]
	score := &QualityScore{
		Performance: math.Max(0, 1-rec.ResponseTime/performanceCeiling),
		Capability:  rec.CapabilityScore,
		Load:        1 - rec.LoadFactor,
	}
	if rec.IsHealthy {
		score.Reliability = rec.SuccessRate
	}
	score.Overall = 0.30*score.Performance + 0.30*score.Reliability + 0.20*score.Capability + 0.20*score.Load
	s.scores[name] = score
}

// StartSweeper evicts records idle longer than the retention window. Runs
// until ctx is cancelled.
func (s *MetricsStore) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(metricsSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *MetricsStore) sweep() {
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rec := range s.records {
		if rec.LastUsed.Before(cutoff) {
			delete(s.records, name)
			delete(s.scores, name)
			s.serverHealthy.DeleteLabelValues(name)
			logger.Debug().Str("server", name).Msg("evicted idle metrics record")
		}
	}
}
