package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

// serverStatus is the per-upstream row in the status API.
type serverStatus struct {
	Name                string         `json:"name"`
	Connected           bool           `json:"connected"`
	LastError           string         `json:"lastError,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	Priority            int            `json:"priority"`
	Capabilities        []string       `json:"capabilities,omitempty"`
	Metrics             *MetricsRecord `json:"metrics,omitempty"`
	Quality             *QualityScore  `json:"quality,omitempty"`
	HealthCheck         *HealthCheck   `json:"healthCheck,omitempty"`
}

type processStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMB"`
}

// newAPIRouter mounts the observability API.
func (p *Proxy) newAPIRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/servers/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"servers": p.serverStatuses(),
			"summary": p.monitor.Summary(),
			"process": currentProcessStats(),
		})
	})

	r.Get("/api/servers/{name}/details", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		status, ok := p.serverStatus(name)
		if !ok {
			http.Error(w, "unknown server", http.StatusNotFound)
			return
		}
		writeJSON(w, status)
	})

	r.Post("/api/servers/{name}/health-check", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		check, ok := p.monitor.CheckServer(name)
		if !ok {
			http.Error(w, "unknown server", http.StatusNotFound)
			return
		}
		writeJSON(w, check)
	})

	r.Post("/api/servers/{name}/reinitialize-tools", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if _, ok := p.upstream(name); !ok {
			http.Error(w, "unknown server", http.StatusNotFound)
			return
		}
		reinitTimeout := time.Duration(p.config.SelectionStrategy.Timeouts.Reinitialize) * time.Millisecond
		ctx, cancel := context.WithTimeout(req.Context(), reinitTimeout)
		defer cancel()
		tools := p.ListTools(ctx, "")
		writeJSON(w, map[string]any{"server": name, "tools": len(tools)})
	})

	r.Delete("/api/servers/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if !p.RemoveServer(name) {
			http.Error(w, "unknown server", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/api/metrics", func(w http.ResponseWriter, req *http.Request) {
		records := p.metrics.Snapshot()
		scores := make(map[string]QualityScore, len(records))
		for _, rec := range records {
			if score, ok := p.metrics.Score(rec.ServerName); ok {
				scores[rec.ServerName] = score
			}
		}
		writeJSON(w, map[string]any{"records": records, "scores": scores})
	})

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, p.healthReport())
	})

	r.Get("/api/selection/strategies", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]any{
			"strategies": p.selectors.names(),
			"default":    p.config.SelectionStrategy.Default,
			"fallback":   p.config.SelectionStrategy.Fallback,
		})
	})

	r.Get("/api/tools/status", func(w http.ResponseWriter, req *http.Request) {
		payload := map[string]any{
			"tools":     p.toolTable.snapshot(),
			"prompts":   p.promptTable.snapshot(),
			"resources": p.resourceTable.snapshot(),
		}
		if p.snapshots != nil {
			path, at := p.snapshots.last()
			if path != "" {
				payload["snapshotPath"] = path
				payload["snapshotAt"] = at
			}
		}
		writeJSON(w, payload)
	})

	return chainMiddleware(r, recoverMiddleware("api"), loggerMiddleware("api"))
}

func (p *Proxy) metricsHandler() http.Handler {
	return promhttp.HandlerFor(p.metrics.Registry(), promhttp.HandlerOpts{})
}

func (p *Proxy) serverStatuses() []serverStatus {
	names := make([]string, 0)
	p.mu.RLock()
	for name := range p.upstreams {
		names = append(names, name)
	}
	p.mu.RUnlock()

	out := make([]serverStatus, 0, len(names))
	for _, name := range names {
		if status, ok := p.serverStatus(name); ok {
			out = append(out, status)
		}
	}
	return out
}

func (p *Proxy) serverStatus(name string) (serverStatus, bool) {
	up, ok := p.upstream(name)
	if !ok {
		return serverStatus{}, false
	}
	status := serverStatus{
		Name:                name,
		Connected:           up.IsConnected(),
		LastError:           up.LastError(),
		ConsecutiveFailures: up.ConsecutiveFailures(),
	}
	if config := p.config.serverConfig(name); config != nil {
		status.Priority = config.Priority.OrElse(5)
		status.Capabilities = config.Capabilities
	}
	if rec, found := p.metrics.Record(name); found {
		status.Metrics = &rec
	}
	if score, found := p.metrics.Score(name); found {
		status.Quality = &score
	}
	if check, found := p.monitor.Check(name); found {
		status.HealthCheck = &check
	}
	return status, true
}

// healthReport evaluates the summary against the configured alert thresholds.
func (p *Proxy) healthReport() map[string]any {
	summary := p.monitor.Summary()
	thresholds := p.config.Monitoring.AlertThresholds

	alerts := make([]string, 0)
	if summary.AvgResponseTime > thresholds.ResponseTime {
		alerts = append(alerts, "average response time above threshold")
	}
	var errorRate float64
	var totalRequests, totalErrors int64
	for _, rec := range p.metrics.Snapshot() {
		totalRequests += rec.TotalRequests
		totalErrors += rec.ErrorCount
	}
	if totalRequests > 0 {
		errorRate = float64(totalErrors) / float64(totalRequests)
	}
	if errorRate > thresholds.ErrorRate {
		alerts = append(alerts, "error rate above threshold")
	}
	if summary.Total > 0 && float64(summary.Unhealthy)/float64(summary.Total) > thresholds.UnhealthyServers {
		alerts = append(alerts, "unhealthy server ratio above threshold")
	}

	return map[string]any{
		"summary":   summary,
		"healthy":   p.monitor.HealthyServers(),
		"unhealthy": p.monitor.UnhealthyServers(),
		"errorRate": errorRate,
		"alerts":    alerts,
	}
}

func currentProcessStats() *processStats {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	stats := &processStats{PID: os.Getpid()}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	return stats
}
