package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// fakeUpstream is an in-memory upstreamClient for handler and aggregation
// tests. Behavior knobs cover the failure modes the proxy must tolerate.
type fakeUpstream struct {
	name string

	mu        sync.Mutex
	connected bool
	lastError string

	failures atomic.Int64

	tools     []mcp.Tool
	prompts   []mcp.Prompt
	resources []mcp.Resource
	templates []mcp.ResourceTemplate

	listDelay time.Duration
	listErr   error

	callErr   error
	callCount atomic.Int64

	promptErr error
	readErr   error
}

func newFakeUpstream(name string) *fakeUpstream {
	return &fakeUpstream{name: name, connected: true}
}

func (f *fakeUpstream) withTools(names ...string) *fakeUpstream {
	for _, name := range names {
		f.tools = append(f.tools, mcp.Tool{Name: name, Description: "does " + name})
	}
	return f
}

func (f *fakeUpstream) Name() string { return f.name }

func (f *fakeUpstream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError
}

func (f *fakeUpstream) MarkDisconnected(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if err != nil {
		f.lastError = err.Error()
	}
}

func (f *fakeUpstream) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
	if connected {
		f.lastError = ""
	}
}

func (f *fakeUpstream) ConsecutiveFailures() int { return int(f.failures.Load()) }
func (f *fakeUpstream) AddFailure() int          { return int(f.failures.Add(1)) }
func (f *fakeUpstream) ResetFailures()           { f.failures.Store(0) }

func (f *fakeUpstream) delayOrErr(ctx context.Context) error {
	if f.listDelay > 0 {
		select {
		case <-time.After(f.listDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.listErr
}

func (f *fakeUpstream) ListTools(ctx context.Context, _ string) (*mcp.ListToolsResult, error) {
	if err := f.delayOrErr(ctx); err != nil {
		return nil, err
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeUpstream) ListPrompts(ctx context.Context, _ string) (*mcp.ListPromptsResult, error) {
	if err := f.delayOrErr(ctx); err != nil {
		return nil, err
	}
	return &mcp.ListPromptsResult{Prompts: f.prompts}, nil
}

func (f *fakeUpstream) ListResources(ctx context.Context, _ string) (*mcp.ListResourcesResult, error) {
	if err := f.delayOrErr(ctx); err != nil {
		return nil, err
	}
	return &mcp.ListResourcesResult{Resources: f.resources}, nil
}

func (f *fakeUpstream) ListResourceTemplates(ctx context.Context, _ string) (*mcp.ListResourceTemplatesResult, error) {
	if err := f.delayOrErr(ctx); err != nil {
		return nil, err
	}
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: f.templates}, nil
}

func (f *fakeUpstream) CallTool(_ context.Context, name string, _ any) (*mcp.CallToolResult, error) {
	f.callCount.Add(1)
	if f.callErr != nil {
		return nil, f.callErr
	}
	for _, tool := range f.tools {
		if tool.Name == name {
			return mcp.NewToolResultText("ok from " + f.name), nil
		}
	}
	return nil, errors.New("Tool " + name + " not found")
}

func (f *fakeUpstream) GetPrompt(_ context.Context, name string, _ map[string]string) (*mcp.GetPromptResult, error) {
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	for _, prompt := range f.prompts {
		if prompt.Name == name {
			return &mcp.GetPromptResult{Description: prompt.Description}, nil
		}
	}
	return nil, errors.New("Prompt " + name + " not found")
}

func (f *fakeUpstream) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	for _, resource := range f.resources {
		if resource.URI == uri {
			return &mcp.ReadResourceResult{}, nil
		}
	}
	return nil, errors.New("Resource " + uri + " not found")
}

func (f *fakeUpstream) Close() error {
	f.setConnected(false)
	return nil
}

// newTestProxy wires fakes into a proxy with millisecond-scale timeouts and
// no real backoff sleeps.
func newTestProxy(ups ...*fakeUpstream) *Proxy {
	config := &Config{}
	config.applyDefaults()
	t := config.SelectionStrategy.Timeouts
	t.ToolsList = 150
	t.PromptsList = 150
	t.ResourcesList = 150
	t.ResourceTemplatesList = 150
	t.ToolsCall = 150
	t.PromptsGet = 150
	t.ResourcesRead = 150

	p := newProxy(config)
	p.backoff = func(int) time.Duration { return time.Millisecond }
	for _, up := range ups {
		p.addUpstream(up)
		p.metrics.Initialize(up.Name())
	}
	return p
}
