package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider/file"
)

const (
	transportStdio = "stdio"
	transportSSE   = "sse"
)

// TransportConfig describes how to reach one upstream server. Exactly one of
// the stdio or sse field sets applies, keyed by Kind.
type TransportConfig struct {
	Kind    string   `json:"kind"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type ServerOptions struct {
	LogEnabled     optional.Field[bool] `json:"logEnabled,omitempty"`
	PanicIfInvalid optional.Field[bool] `json:"panicIfInvalid,omitempty"`
}

// ServerConfig is one configured upstream.
type ServerConfig struct {
	Name                  string              `json:"name"`
	Transport             TransportConfig     `json:"transport"`
	Priority              optional.Field[int] `json:"priority,omitempty"`
	Capabilities          []string            `json:"capabilities,omitempty"`
	MaxConcurrentRequests int                 `json:"maxConcurrentRequests,omitempty"`
	Options               ServerOptions       `json:"options,omitempty"`
}

// TimeoutsConfig holds per-operation timeouts in milliseconds.
type TimeoutsConfig struct {
	ToolsList             int64 `json:"toolsList,omitempty"`
	ToolsCall             int64 `json:"toolsCall,omitempty"`
	PromptsList           int64 `json:"promptsList,omitempty"`
	PromptsGet            int64 `json:"promptsGet,omitempty"`
	ResourcesList         int64 `json:"resourcesList,omitempty"`
	ResourcesRead         int64 `json:"resourcesRead,omitempty"`
	ResourceTemplatesList int64 `json:"resourceTemplatesList,omitempty"`
	Reinitialize          int64 `json:"reinitialize,omitempty"`
	ReconnectDelay        int64 `json:"reconnectDelay,omitempty"`
}

type SelectionStrategyConfig struct {
	Default             string              `json:"default,omitempty"`
	Fallback            string              `json:"fallback,omitempty"`
	Timeout             int64               `json:"timeout,omitempty"`
	MaxRetries          optional.Field[int] `json:"maxRetries,omitempty"`
	HealthCheckInterval int64               `json:"healthCheckInterval,omitempty"`
	Timeouts            *TimeoutsConfig     `json:"timeouts,omitempty"`
}

type AlertThresholds struct {
	ResponseTime     float64 `json:"responseTime,omitempty"`
	ErrorRate        float64 `json:"errorRate,omitempty"`
	UnhealthyServers float64 `json:"unhealthyServers,omitempty"`
}

type MonitoringConfig struct {
	Enabled              optional.Field[bool] `json:"enabled,omitempty"`
	MetricsRetentionHours int                 `json:"metricsRetentionHours,omitempty"`
	AlertThresholds      *AlertThresholds     `json:"alertThresholds,omitempty"`
	CatalogSnapshotPath  string               `json:"catalogSnapshotPath,omitempty"`
	SnapshotHistory      int                  `json:"snapshotHistory,omitempty"`
}

// ProxyConfig describes the downstream-facing endpoint.
type ProxyConfig struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Addr     string `json:"addr,omitempty"`
	BaseURL  string `json:"baseURL,omitempty"`
	Type     string `json:"type,omitempty"` // sse | stdio
	LogLevel string `json:"logLevel,omitempty"`
}

type Config struct {
	Proxy             *ProxyConfig             `json:"proxy,omitempty"`
	Servers           []*ServerConfig          `json:"servers"`
	SelectionStrategy *SelectionStrategyConfig `json:"selectionStrategy,omitempty"`
	Monitoring        *MonitoringConfig        `json:"monitoring,omitempty"`
	ToolOverridesPath string                   `json:"toolOverridesPath,omitempty"`
}

func loadConfig(path string) (*Config, error) {
	config, err := confstore.Load[Config](file.New(path), codec.JsonCodec())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("config declares no servers")
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for _, server := range c.Servers {
		if server == nil || server.Name == "" {
			return errors.New("server entry missing name")
		}
		if _, dup := seen[server.Name]; dup {
			return fmt.Errorf("duplicate server name %q", server.Name)
		}
		seen[server.Name] = struct{}{}
		switch server.Transport.Kind {
		case transportStdio:
			if server.Transport.Command == "" {
				return fmt.Errorf("server %q: stdio transport requires a command", server.Name)
			}
		case transportSSE:
			if server.Transport.URL == "" {
				return fmt.Errorf("server %q: sse transport requires a url", server.Name)
			}
		default:
			return fmt.Errorf("server %q: unknown transport kind %q", server.Name, server.Transport.Kind)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Proxy == nil {
		c.Proxy = &ProxyConfig{}
	}
	if c.Proxy.Name == "" {
		c.Proxy.Name = "mcpfleet"
	}
	if c.Proxy.Version == "" {
		c.Proxy.Version = "dev"
	}
	if c.Proxy.Addr == "" {
		c.Proxy.Addr = ":9090"
	}
	if c.Proxy.Type == "" {
		c.Proxy.Type = transportSSE
	}
	if c.SelectionStrategy == nil {
		c.SelectionStrategy = &SelectionStrategyConfig{}
	}
	strategy := c.SelectionStrategy
	if strategy.Default == "" {
		strategy.Default = strategyAdaptive
	}
	if strategy.Fallback == "" {
		strategy.Fallback = strategyQuality
	}
	if strategy.Timeout <= 0 {
		strategy.Timeout = 5000
	}
	if strategy.HealthCheckInterval <= 0 {
		strategy.HealthCheckInterval = 30_000
	}
	if strategy.Timeouts == nil {
		strategy.Timeouts = &TimeoutsConfig{}
	}
	t := strategy.Timeouts
	defaultMs(&t.ToolsList, 10_000)
	defaultMs(&t.PromptsList, 10_000)
	defaultMs(&t.ResourcesList, 10_000)
	defaultMs(&t.ResourceTemplatesList, 10_000)
	defaultMs(&t.ToolsCall, 60_000)
	defaultMs(&t.PromptsGet, 15_000)
	defaultMs(&t.ResourcesRead, 15_000)
	defaultMs(&t.Reinitialize, 30_000)
	defaultMs(&t.ReconnectDelay, 2_500)
	if c.Monitoring == nil {
		c.Monitoring = &MonitoringConfig{}
	}
	if c.Monitoring.MetricsRetentionHours <= 0 {
		c.Monitoring.MetricsRetentionHours = 24
	}
	if c.Monitoring.AlertThresholds == nil {
		c.Monitoring.AlertThresholds = &AlertThresholds{}
	}
	thresholds := c.Monitoring.AlertThresholds
	if thresholds.ResponseTime <= 0 {
		thresholds.ResponseTime = 5000
	}
	if thresholds.ErrorRate <= 0 {
		thresholds.ErrorRate = 0.1
	}
	if thresholds.UnhealthyServers <= 0 {
		thresholds.UnhealthyServers = 0.5
	}
	if c.Monitoring.SnapshotHistory <= 0 {
		c.Monitoring.SnapshotHistory = 5
	}
}

func defaultMs(value *int64, fallback int64) {
	if *value <= 0 {
		*value = fallback
	}
}

// maxRetriesFor returns the retry budget for one downstream method. Tool calls
// default to a single retry, everything else to two.
func (c *Config) maxRetriesFor(method string) int {
	if method == methodToolsCall {
		return 1
	}
	return c.SelectionStrategy.MaxRetries.OrElse(2)
}

func (c *Config) timeoutFor(method string) time.Duration {
	t := c.SelectionStrategy.Timeouts
	var ms int64
	switch method {
	case methodToolsList:
		ms = t.ToolsList
	case methodPromptsList:
		ms = t.PromptsList
	case methodResourcesList:
		ms = t.ResourcesList
	case methodResourceTemplatesList:
		ms = t.ResourceTemplatesList
	case methodToolsCall:
		ms = t.ToolsCall
	case methodPromptsGet:
		ms = t.PromptsGet
	case methodResourcesRead:
		ms = t.ResourcesRead
	default:
		ms = c.SelectionStrategy.Timeout
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) serverConfig(name string) *ServerConfig {
	for _, server := range c.Servers {
		if server.Name == name {
			return server
		}
	}
	return nil
}
