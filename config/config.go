// Package config models the hierarchical tenant configuration that agents
// are built from. Layers (org, group, team, sub-team) are deep-merged in a
// total, deterministic order, validated against a JSON schema, and identified
// by a content hash used as a cache key.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Document is one raw configuration layer as decoded from YAML or JSON.
type Document map[string]any

// ModelParams carries the model parameters for one agent entry.
type ModelParams struct {
	Provider    string  `json:"provider,omitempty"`
	Name        string  `json:"name,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// AgentConfig is one agent entry of an effective configuration.
type AgentConfig struct {
	Instructions   string      `json:"instructions,omitempty"`
	Model          ModelParams `json:"model,omitempty"`
	Tools          []string    `json:"tools,omitempty"`          // enabled tool names; "all" enables every registered tool
	DisabledTools  []string    `json:"disabled_tools,omitempty"` // subtracted after enablement
	SubAgents      []string    `json:"sub_agents,omitempty"`     // agent identifiers wrapped as callable tools
	MaxTurns       int         `json:"max_turns,omitempty"`      // reasoning turn budget (default 10)
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
	MaxRetries     int         `json:"max_retries,omitempty"`
}

// Timeout returns the configured per-run timeout or def when unset.
func (a AgentConfig) Timeout(def time.Duration) time.Duration {
	if a.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// EffectiveConfig is the fully merged, validated, tenant-specific
// configuration. Immutable once resolved; Hash identifies its content.
type EffectiveConfig struct {
	Agents map[string]AgentConfig `json:"agents"`

	doc  Document
	hash string
}

// Hash returns the SHA-256 content hash of the canonical JSON encoding of
// the merged document.
func (c *EffectiveConfig) Hash() string { return c.hash }

// Doc returns the raw merged document the typed view was decoded from.
func (c *EffectiveConfig) Doc() Document { return c.doc }

// Agent returns the entry for id and whether it exists.
func (c *EffectiveConfig) Agent(id string) (AgentConfig, bool) {
	a, ok := c.Agents[id]
	return a, ok
}

// Resolve merges layers in the given order (later layers win per key),
// validates the merged document against the configuration schema, and decodes
// it into a typed EffectiveConfig.
func Resolve(layers ...Document) (*EffectiveConfig, error) {
	merged := Document{}
	for _, layer := range layers {
		merged = DeepMerge(merged, layer)
	}

	if err := validateDocument(map[string]any(merged)); err != nil {
		return nil, err
	}

	canonical, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}

	var cfg EffectiveConfig
	if err := json.Unmarshal(canonical, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	sum := sha256.Sum256(canonical)
	cfg.doc = merged
	cfg.hash = hex.EncodeToString(sum[:])
	return &cfg, nil
}
