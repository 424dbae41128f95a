package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ToolOverrideConfig tweaks how one tool surfaces in aggregated listings.
// Only display-level adjustments are supported; schemas and call payloads
// pass through untouched.
type ToolOverrideConfig struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	Description *string `json:"description,omitempty"`
}

type serverOverrideFragment struct {
	Enabled *bool                          `json:"enabled,omitempty"`
	Tools   map[string]*ToolOverrideConfig `json:"tools,omitempty"`
}

// ToolOverrideSet gates servers and tools out of listings and rewrites
// descriptions. Flags resolve least-specific to most-specific; the last one
// set wins.
type ToolOverrideSet struct {
	Tools   map[string]*ToolOverrideConfig     `json:"tools,omitempty"`
	Master  *serverOverrideFragment            `json:"master,omitempty"`
	Servers map[string]*serverOverrideFragment `json:"servers,omitempty"`
}

func loadToolOverrides(path string) (*ToolOverrideSet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	normalized, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve override path: %w", err)
	}
	data, err := os.ReadFile(normalized)
	if err != nil {
		return nil, err
	}
	var set ToolOverrideSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse override file %s: %w", normalized, err)
	}
	if len(set.Tools) == 0 && set.Master == nil && len(set.Servers) == 0 {
		return nil, nil
	}
	return &set, nil
}

// resolveEnabled walks candidate flags in precedence order and keeps the
// last one that is actually set. An all-nil chain means enabled.
func resolveEnabled(flags ...*bool) bool {
	enabled := true
	for _, flag := range flags {
		if flag != nil {
			enabled = *flag
		}
	}
	return enabled
}

func serverEnabled(set *ToolOverrideSet, serverName string) bool {
	if set == nil {
		return true
	}
	return resolveEnabled(
		fragmentFlag(set.Master),
		fragmentFlag(set.Servers[serverName]),
	)
}

func toolEnabled(set *ToolOverrideSet, serverName, toolName string) bool {
	if set == nil {
		return true
	}
	fragment := set.Servers[serverName]
	return resolveEnabled(
		fragmentFlag(set.Master),
		fragmentToolFlag(set.Master, toolName),
		fragmentFlag(fragment),
		fragmentToolFlag(fragment, toolName),
		configFlag(set.Tools["*"]),
		configFlag(set.Tools[toolName]),
	)
}

func fragmentFlag(fragment *serverOverrideFragment) *bool {
	if fragment == nil {
		return nil
	}
	return fragment.Enabled
}

// fragmentToolFlag resolves a tool's flag inside one fragment; an explicit
// entry beats the fragment's wildcard.
func fragmentToolFlag(fragment *serverOverrideFragment, toolName string) *bool {
	if fragment == nil {
		return nil
	}
	if flag := configFlag(fragment.Tools[toolName]); flag != nil {
		return flag
	}
	return configFlag(fragment.Tools["*"])
}

func configFlag(cfg *ToolOverrideConfig) *bool {
	if cfg == nil {
		return nil
	}
	return cfg.Enabled
}

// applyDescriptionOverride rewrites the aggregated descriptor's description
// after namespacing; the override text is what the operator wants shown.
func applyDescriptionOverride(set *ToolOverrideSet, serverName, toolName string, descriptor map[string]any) map[string]any {
	if set == nil || descriptor == nil {
		return descriptor
	}
	var override *string
	if fragment := set.Servers[serverName]; fragment != nil {
		if cfg := fragment.Tools[toolName]; cfg != nil && cfg.Description != nil {
			override = cfg.Description
		}
	}
	if cfg := set.Tools[toolName]; cfg != nil && cfg.Description != nil {
		override = cfg.Description
	}
	if override != nil {
		descriptor["description"] = *override
	}
	return descriptor
}
