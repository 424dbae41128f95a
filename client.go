package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	connectAttempts   = 3
	sseProbeInterval  = 30 * time.Second
	sseProbeDeadline  = 5 * time.Second
)

// Client owns one MCP RPC channel to a single configured upstream. At most
// one live transport exists per upstream at a time.
type Client struct {
	name   string
	config *ServerConfig

	mcp *client.Client
	sem chan struct{} // nil unless maxConcurrentRequests > 0

	mu          sync.Mutex
	connected   bool
	lastError   string
	errorLogged bool

	failures atomic.Int64 // consecutive connection-class failures

	probeCancel context.CancelFunc
}

func newMCPClient(name string, config *ServerConfig) (*Client, error) {
	c := &Client{name: name, config: config}
	if config.MaxConcurrentRequests > 0 {
		c.sem = make(chan struct{}, config.MaxConcurrentRequests)
	}
	switch config.Transport.Kind {
	case transportStdio:
		t := transport.NewStdio(config.Transport.Command, buildEnv(config.Transport.Env), config.Transport.Args...)
		c.mcp = client.NewClient(t)
	case transportSSE:
		t, err := transport.NewSSE(config.Transport.URL)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		c.mcp = client.NewClient(t)
	default:
		return nil, fmt.Errorf("server %q: unknown transport kind %q", name, config.Transport.Kind)
	}
	return c, nil
}

// buildEnv materializes the configured allowlist from the process
// environment. Entries may be plain names or explicit "KEY=value" pairs;
// names absent from the environment map to an empty value.
func buildEnv(vars []string) []string {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		out = append(out, fmt.Sprintf("%s=%s", v, os.Getenv(v)))
	}
	return out
}

// Connect establishes the channel with bounded retry, then starts the SSE
// liveness probe when applicable.
func (c *Client) Connect(ctx context.Context, info mcp.Implementation, delay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.connectOnce(ctx, info); err != nil {
			lastErr = err
			logger.Warn().Str("server", c.name).Int("attempt", attempt+1).Err(err).Msg("connect failed")
			continue
		}
		c.markConnected()
		logger.Info().Str("server", c.name).Msg("connected")
		if c.config.Transport.Kind == transportSSE {
			c.startProbe()
		}
		return nil
	}
	c.MarkDisconnected(lastErr)
	return fmt.Errorf("server %q: connect: %w", c.name, lastErr)
}

func (c *Client) connectOnce(ctx context.Context, info mcp.Implementation) error {
	if err := c.mcp.Start(ctx); err != nil {
		return err
	}
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = info
	if _, err := c.mcp.Initialize(ctx, initRequest); err != nil {
		return err
	}
	return nil
}

// startProbe watches for silent SSE connection loss: a transport that stopped
// answering pings is demoted without waiting for the next failed request.
func (c *Client) startProbe() {
	ctx, cancel := context.WithCancel(context.Background())
	c.probeCancel = cancel
	go func() {
		ticker := time.NewTicker(sseProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !c.IsConnected() {
					continue
				}
				probeCtx, probeCancel := context.WithTimeout(ctx, sseProbeDeadline)
				err := c.mcp.Ping(probeCtx)
				probeCancel()
				if err != nil {
					c.MarkDisconnected(fmt.Errorf("sse probe: %w", err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Client) Name() string { return c.name }

func (c *Client) Config() *ServerConfig { return c.config }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// MarkDisconnected records the connection loss. The transition is logged once
// per disconnect epoch; the flag rearms on the next successful connect.
func (c *Client) MarkDisconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if err != nil {
		c.lastError = err.Error()
	}
	if !c.errorLogged {
		c.errorLogged = true
		logger.Warn().Str("server", c.name).Str("error", c.lastError).Msg("disconnected")
	}
}

func (c *Client) markConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.lastError = ""
	c.errorLogged = false
}

func (c *Client) ConsecutiveFailures() int { return int(c.failures.Load()) }

func (c *Client) AddFailure() int { return int(c.failures.Add(1)) }

func (c *Client) ResetFailures() { c.failures.Store(0) }

func (c *Client) acquire(ctx context.Context) (func(), error) {
	if c.sem == nil {
		return func() {}, nil
	}
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	request := mcp.ListToolsRequest{}
	request.Params.Cursor = mcp.Cursor(cursor)
	return c.mcp.ListTools(ctx, request)
}

func (c *Client) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	request := mcp.ListPromptsRequest{}
	request.Params.Cursor = mcp.Cursor(cursor)
	return c.mcp.ListPrompts(ctx, request)
}

func (c *Client) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	request := mcp.ListResourcesRequest{}
	request.Params.Cursor = mcp.Cursor(cursor)
	return c.mcp.ListResources(ctx, request)
}

func (c *Client) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	request := mcp.ListResourceTemplatesRequest{}
	request.Params.Cursor = mcp.Cursor(cursor)
	return c.mcp.ListResourceTemplates(ctx, request)
}

func (c *Client) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return c.mcp.CallTool(ctx, request)
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	request := mcp.GetPromptRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return c.mcp.GetPrompt(ctx, request)
}

func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	request := mcp.ReadResourceRequest{}
	request.Params.URI = uri
	return c.mcp.ReadResource(ctx, request)
}

func (c *Client) Close() error {
	if c.probeCancel != nil {
		c.probeCancel()
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.mcp.Close()
}
