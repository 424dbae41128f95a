package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

const (
	methodInitialize            = "initialize"
	methodPing                  = "ping"
	methodToolsList             = "tools/list"
	methodToolsCall             = "tools/call"
	methodPromptsList           = "prompts/list"
	methodPromptsGet            = "prompts/get"
	methodResourcesList         = "resources/list"
	methodResourcesRead         = "resources/read"
	methodResourceTemplatesList = "resources/templates/list"
)

// upstreamClient is the proxy's view of one upstream connection. Client is
// the production implementation; tests substitute fakes.
type upstreamClient interface {
	connectionView
	MarkDisconnected(err error)
	ConsecutiveFailures() int
	AddFailure() int
	ResetFailures()
	ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error)
	ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error)
	ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error)
	ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error)
	CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Close() error
}

// Proxy owns the upstream set and the three routing tables. Handlers take
// per-entry snapshots; the metrics store and health monitor reference
// upstreams by name only.
type Proxy struct {
	config    *Config
	metrics   *MetricsStore
	monitor   *HealthMonitor
	selectors *selectorRegistry
	classify  ErrorClassifier
	overrides *ToolOverrideSet
	snapshots *snapshotWriter
	backoff   func(attempt int) time.Duration

	mu        sync.RWMutex
	upstreams map[string]upstreamClient

	toolTable     *routingTable
	promptTable   *routingTable
	resourceTable *routingTable
}

func newProxy(config *Config) *Proxy {
	retention := time.Duration(config.Monitoring.MetricsRetentionHours) * time.Hour
	p := &Proxy{
		config:        config,
		metrics:       newMetricsStore(retention),
		selectors:     newSelectorRegistry(),
		classify:      classifyError,
		backoff:       retryBackoff,
		upstreams:     make(map[string]upstreamClient),
		toolTable:     newRoutingTable(),
		promptTable:   newRoutingTable(),
		resourceTable: newRoutingTable(),
	}
	interval := time.Duration(config.SelectionStrategy.HealthCheckInterval) * time.Millisecond
	p.monitor = newHealthMonitor(p.metrics, interval, p.connectionViews)
	return p
}

// connectAll builds and connects every configured upstream. A failed connect
// is tolerated unless the server opted into panicIfInvalid; the upstream
// stays resident either way and the health monitor keeps reporting it.
func (p *Proxy) connectAll(ctx context.Context) error {
	info := mcp.Implementation{Name: p.config.Proxy.Name, Version: p.config.Proxy.Version}
	delay := time.Duration(p.config.SelectionStrategy.Timeouts.ReconnectDelay) * time.Millisecond

	var eg errgroup.Group
	for _, serverConfig := range p.config.Servers {
		serverConfig := serverConfig
		mcpClient, err := newMCPClient(serverConfig.Name, serverConfig)
		if err != nil {
			return err
		}
		p.addUpstream(mcpClient)
		p.metrics.Initialize(serverConfig.Name)
		eg.Go(func() error {
			logger.Info().Str("server", serverConfig.Name).Msg("connecting")
			if err := mcpClient.Connect(ctx, info, delay); err != nil {
				if serverConfig.Options.PanicIfInvalid.OrElse(false) {
					return err
				}
				return nil
			}
			return nil
		})
	}
	return eg.Wait()
}

func (p *Proxy) addUpstream(up upstreamClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upstreams[up.Name()] = up
}

func (p *Proxy) upstream(name string) (upstreamClient, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	up, ok := p.upstreams[name]
	return up, ok
}

// connectedUpstreams is the lenient candidate set used by listings: the
// transport thinks it is up, regardless of what the health monitor says.
func (p *Proxy) connectedUpstreams() []upstreamClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]upstreamClient, 0, len(p.upstreams))
	for _, up := range p.upstreams {
		if up.IsConnected() {
			out = append(out, up)
		}
	}
	return out
}

func (p *Proxy) allUpstreams() []upstreamClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]upstreamClient, 0, len(p.upstreams))
	for _, up := range p.upstreams {
		out = append(out, up)
	}
	return out
}

func (p *Proxy) connectionViews() []connectionView {
	ups := p.allUpstreams()
	out := make([]connectionView, 0, len(ups))
	for _, up := range ups {
		out = append(out, up)
	}
	return out
}

// RemoveServer drops one upstream entirely: transport closed, routing
// entries evicted, metrics gone.
func (p *Proxy) RemoveServer(name string) bool {
	p.mu.Lock()
	up, ok := p.upstreams[name]
	if ok {
		delete(p.upstreams, name)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	_ = up.Close()
	p.toolTable.evictServer(name)
	p.promptTable.evictServer(name)
	p.resourceTable.evictServer(name)
	p.metrics.Remove(name)
	logger.Info().Str("server", name).Msg("server removed")
	return true
}

func (p *Proxy) Close() {
	for _, up := range p.allUpstreams() {
		_ = up.Close()
	}
}

// CallTool routes a tool invocation to the upstream that owns the name,
// rebuilding the table on a miss.
func (p *Proxy) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	server, ok := p.lookupWithRebuild(ctx, p.toolTable, methodToolsList, name)
	if !ok {
		return nil, &errNotAvailable{kind: "tool", name: name}
	}
	up, found := p.upstream(server)
	if !found {
		p.toolTable.evict(name)
		return nil, &errNotAvailable{kind: "tool", name: name}
	}
	p.logSelection(methodToolsCall, name, args)
	result, err := dispatchWithRetry(p, ctx, up, methodToolsCall, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return up.CallTool(ctx, name, args)
	})
	if err != nil && isEntityNotFound(err) {
		// the table was stale: the upstream no longer serves this tool
		p.toolTable.evict(name)
	}
	return result, err
}

func (p *Proxy) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	server, ok := p.lookupWithRebuild(ctx, p.promptTable, methodPromptsList, name)
	if !ok {
		return nil, &errNotAvailable{kind: "prompt", name: name}
	}
	up, found := p.upstream(server)
	if !found {
		p.promptTable.evict(name)
		return nil, &errNotAvailable{kind: "prompt", name: name}
	}
	result, err := dispatchWithRetry(p, ctx, up, methodPromptsGet, func(ctx context.Context) (*mcp.GetPromptResult, error) {
		return up.GetPrompt(ctx, name, args)
	})
	if err != nil && isEntityNotFound(err) {
		p.promptTable.evict(name)
	}
	return result, err
}

func (p *Proxy) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	server, ok := p.lookupWithRebuild(ctx, p.resourceTable, methodResourcesList, uri)
	if !ok {
		return nil, &errNotAvailable{kind: "resource", name: uri}
	}
	up, found := p.upstream(server)
	if !found {
		p.resourceTable.evict(uri)
		return nil, &errNotAvailable{kind: "resource", name: uri}
	}
	result, err := dispatchWithRetry(p, ctx, up, methodResourcesRead, func(ctx context.Context) (*mcp.ReadResourceResult, error) {
		return up.ReadResource(ctx, uri)
	})
	if err != nil && isEntityNotFound(err) {
		p.resourceTable.evict(uri)
	}
	return result, err
}

// lookupWithRebuild consults the table, and on a miss refreshes just that
// table with a full fan-out before retrying the lookup once.
func (p *Proxy) lookupWithRebuild(ctx context.Context, table *routingTable, listMethod, name string) (string, bool) {
	if server, ok := table.lookup(name); ok {
		return server, ok
	}
	p.rebuildTable(ctx, listMethod)
	return table.lookup(name)
}

// logSelection runs the configured strategy over the healthy set for
// observability. Names pin the target upstream, so the outcome is advisory.
func (p *Proxy) logSelection(method, name string, args any) {
	request := selectionRequestFromArgs(method, name, args)
	result := p.Select(p.config.SelectionStrategy.Default, request)
	if result == nil {
		return
	}
	logger.Debug().
		Str("strategy", result.StrategyName).
		Str("selected", result.SelectedServer).
		Float64("confidence", result.Confidence).
		Str("reason", result.Reason).
		Msg("selection")
}

// Select runs a named strategy over the strictly healthy candidate set.
func (p *Proxy) Select(strategyName string, request *SelectionRequest) *SelectionResult {
	strategy, ok := p.selectors.get(strategyName)
	if !ok {
		strategy, ok = p.selectors.get(p.config.SelectionStrategy.Fallback)
		if !ok {
			return nil
		}
	}
	candidates := p.healthyCandidates()
	if len(candidates) == 0 {
		return nil
	}
	return p.selectors.run(strategy, request, candidates)
}

// healthyCandidates is the strict set: connected and blessed by the monitor.
func (p *Proxy) healthyCandidates() []MetricsRecord {
	records := p.metrics.Snapshot()
	out := make([]MetricsRecord, 0, len(records))
	for _, rec := range records {
		if !rec.IsHealthy {
			continue
		}
		if up, ok := p.upstream(rec.ServerName); !ok || !up.IsConnected() {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// dispatchWithRetry drives one targeted request through the retry budget.
// Connection-class failures back off exponentially and count toward the
// demotion threshold once per request; business-class failures surface
// immediately and demote nothing.
func dispatchWithRetry[T any](p *Proxy, ctx context.Context, up upstreamClient, method string, fn func(context.Context) (T, error)) (T, error) {
	maxRetries := p.config.maxRetriesFor(method)
	timeout := p.config.timeoutFor(method)
	name := up.Name()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		start := time.Now()
		result, err := raceTimeout(ctx, timeout, method, fn)
		elapsedMs := float64(time.Since(start).Nanoseconds()) / 1e6
		if err == nil {
			p.metrics.RecordRequest(name, elapsedMs, true)
			up.ResetFailures()
			if rec, ok := p.metrics.Record(name); ok && !rec.IsHealthy && p.monitor.CanRecover(name) {
				p.metrics.MarkHealthy(name)
			}
			return result, nil
		}
		p.metrics.RecordRequest(name, elapsedMs, false)
		lastErr = err
		if p.classify(err) == classBusiness {
			return zero, err
		}
		if attempt < maxRetries {
			backoff := p.backoff(attempt)
			logger.Warn().Str("server", name).Str("method", method).Dur("backoff", backoff).Err(err).Msg("retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	failures := up.AddFailure()
	if p.monitor.ShouldMarkUnhealthy(name, failures) {
		p.metrics.MarkUnhealthy(name, lastErr.Error())
	}
	return zero, lastErr
}

// isEntityNotFound recognizes the upstream's own "no such tool/prompt/
// resource" rejection, which evicts the stale routing entry.
func isEntityNotFound(err error) bool {
	if err == nil || isNotAvailable(err) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
