package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models opsline.yml.
type Config struct {
	Heartbeat struct {
		StaleThresholdMinutes int `yaml:"stale_threshold_minutes"`
		TriggerWindowSeconds  int `yaml:"trigger_window_seconds"`
		ReactionBatchSize     int `yaml:"reaction_batch_size"`
	} `yaml:"heartbeat"`
	Agents struct {
		// Capabilities maps an agent identity to the step kinds it can
		// execute. The cap gate uses it to decide which daily-cap policies
		// a proposal's step kinds fall under.
		Capabilities map[string][]string `yaml:"capabilities"`
		PollSeconds  int                 `yaml:"poll_seconds"`
	} `yaml:"agents"`
	// Reactions maps an event type to the action applied when the reaction
	// queue drains an item of that type. Same schema as trigger actions.
	Reactions map[string]ReactionAction `yaml:"reactions"`
	// ReactionEvents lists the event types that enqueue a reaction item
	// when emitted.
	ReactionEvents []string `yaml:"reaction_events"`
	// SeedPolicies are written to the policy store on init when the named
	// policy does not exist yet. Operators overwrite them out of band.
	SeedPolicies struct {
		AutoApproveStepKinds []string       `yaml:"auto_approve_step_kinds"`
		AgentDailyCaps       map[string]int `yaml:"agent_daily_caps"`
	} `yaml:"seed_policies"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ReactionAction struct {
	CreateProposal *ReactionProposal `yaml:"create_proposal"`
}

type ReactionProposal struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	StepKinds   []string `yaml:"step_kinds"`
	AutoApprove bool     `yaml:"auto_approve"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// StaleThreshold returns the stale step timeout as a duration.
func (c *Config) StaleThreshold() time.Duration {
	m := c.Heartbeat.StaleThresholdMinutes
	if m <= 0 {
		m = 30
	}
	return time.Duration(m) * time.Minute
}

// TriggerWindow returns the trailing event window scanned per heartbeat.
func (c *Config) TriggerWindow() time.Duration {
	s := c.Heartbeat.TriggerWindowSeconds
	if s <= 0 {
		s = 60
	}
	return time.Duration(s) * time.Second
}

// ReactionBatch returns the max reaction items drained per heartbeat.
func (c *Config) ReactionBatch() int {
	if c.Heartbeat.ReactionBatchSize <= 0 {
		return 10
	}
	return c.Heartbeat.ReactionBatchSize
}

// AgentPoll returns how often an agent runner polls for claimable steps.
func (c *Config) AgentPoll() time.Duration {
	s := c.Agents.PollSeconds
	if s <= 0 {
		s = 5
	}
	return time.Duration(s) * time.Second
}

// ReactsTo reports whether emitting an event of this type should enqueue a
// reaction item.
func (c *Config) ReactsTo(eventType string) bool {
	for _, t := range c.ReactionEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ops init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Heartbeat.StaleThresholdMinutes < 0 {
		return fmt.Errorf("heartbeat.stale_threshold_minutes must not be negative")
	}
	if c.Heartbeat.TriggerWindowSeconds < 0 {
		return fmt.Errorf("heartbeat.trigger_window_seconds must not be negative")
	}
	if c.Heartbeat.ReactionBatchSize < 0 {
		return fmt.Errorf("heartbeat.reaction_batch_size must not be negative")
	}
	for agent, kinds := range c.Agents.Capabilities {
		if agent == "" {
			return fmt.Errorf("agents.capabilities contains empty agent id")
		}
		if len(kinds) == 0 {
			return fmt.Errorf("agent %s declares no step kinds", agent)
		}
		for _, k := range kinds {
			if k == "" {
				return fmt.Errorf("agent %s declares empty step kind", agent)
			}
		}
	}
	for evtType, action := range c.Reactions {
		if evtType == "" {
			return fmt.Errorf("reactions contains empty event type")
		}
		if action.CreateProposal == nil {
			return fmt.Errorf("reaction for %s requires create_proposal", evtType)
		}
		if action.CreateProposal.Title == "" {
			return fmt.Errorf("reaction for %s has empty title", evtType)
		}
		if len(action.CreateProposal.StepKinds) == 0 {
			return fmt.Errorf("reaction for %s has no step kinds", evtType)
		}
	}
	for agent, cap := range c.SeedPolicies.AgentDailyCaps {
		if agent == "" {
			return fmt.Errorf("seed_policies.agent_daily_caps contains empty agent id")
		}
		if cap < 0 {
			return fmt.Errorf("daily cap for %s must not be negative", agent)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `heartbeat:
  stale_threshold_minutes: 30
  trigger_window_seconds: 60
  reaction_batch_size: 10

agents:
  poll_seconds: 5
  capabilities:
    builder: [build, test, deploy]
    reviewer: [code_review, audit]
    analyst: [analysis]

# Event types that enqueue reaction work when emitted.
reaction_events: [step_failed, mission_finalized]

# Reaction action table: event type -> action. Empty by default; items for
# unmapped types complete without deriving new work.
reactions: {}

seed_policies:
  auto_approve_step_kinds: [build, test, analysis]
  agent_daily_caps:
    builder: 50
    reviewer: 50
    analyst: 50
`
