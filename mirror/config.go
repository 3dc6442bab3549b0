package mirror

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chatmirror/chatws"
	"github.com/hazyhaar/chatmirror/resilience"
	"github.com/hazyhaar/chatmirror/session"
)

// Config holds all mirror configuration.
type Config struct {
	Session session.Config `yaml:"session"`

	// DocsBaseURL is the document workspace root.
	DocsBaseURL string `yaml:"docs_base_url"`

	// SealKeyEnv names the environment variable holding the hex-encoded
	// 32-byte key sealing the persisted auth state. Empty = plain state.
	SealKeyEnv string `yaml:"seal_key_env"`

	ReadPolicy  resilience.Policy    `yaml:"read_policy"`
	WritePolicy resilience.Policy    `yaml:"write_policy"`
	SmartWait   resilience.SmartWait `yaml:"smart_wait"`

	// Rates maps a target service ("chat", "docs") to its request ceiling.
	Rates map[string]RateConfig `yaml:"rates"`

	AuditDBPath       string `yaml:"audit_db_path"`
	AuditFallbackPath string `yaml:"audit_fallback_path"`

	Projects []ProjectConfig `yaml:"projects"`
}

// RateConfig is one request ceiling: at most Requests per Window.
type RateConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ProjectConfig describes one mirrored project.
type ProjectConfig struct {
	Name       string   `yaml:"name"`
	ChannelIDs []string `yaml:"channel_ids"`

	// DocPageID is the document page receiving the mirrored notes. ID or
	// full URL.
	DocPageID string `yaml:"doc_page_id"`

	// LastSyncedProperty is the document property stamped after each run.
	LastSyncedProperty string `yaml:"last_synced_property"`

	Limit    int `yaml:"limit"`
	MaxPages int `yaml:"max_pages"`
}

func (c *Config) defaults() {
	if c.Session.LoggedInMarker == "" {
		// querySelector accepts a selector list, so the whole fallback
		// chain works as one marker.
		c.Session.LoggedInMarker = strings.Join(chatws.TeamMenu.All(), ", ")
	}
	if c.ReadPolicy.MaxAttempts <= 0 {
		c.ReadPolicy = resilience.DefaultPolicy()
	}
	if c.WritePolicy.MaxAttempts <= 0 {
		c.WritePolicy = resilience.WritePolicy()
	}
	if c.SmartWait.Timeout <= 0 {
		c.SmartWait = resilience.DefaultSmartWait()
	}
	if c.AuditDBPath == "" {
		c.AuditDBPath = "chatmirror.db"
	}
	if c.AuditFallbackPath == "" {
		c.AuditFallbackPath = "chatmirror_audit.jsonl"
	}
	if c.Rates == nil {
		c.Rates = map[string]RateConfig{
			"chat": {Requests: 20, Window: time.Minute},
			"docs": {Requests: 10, Window: time.Minute},
		}
	}
	for i := range c.Projects {
		p := &c.Projects[i]
		if p.LastSyncedProperty == "" {
			p.LastSyncedProperty = "Last Synced"
		}
		if p.Limit <= 0 {
			p.Limit = 100
		}
		if p.MaxPages <= 0 {
			p.MaxPages = 10
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Session.WorkspaceURL == "" {
		return fmt.Errorf("mirror: session.workspace_url is required")
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("mirror: at least one project is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("mirror: project without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("mirror: duplicate project %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.ChannelIDs) == 0 {
			return fmt.Errorf("mirror: project %q has no channels", p.Name)
		}
	}
	return nil
}

// Project returns the named project config.
func (c *Config) Project(name string) (*ProjectConfig, error) {
	for i := range c.Projects {
		if c.Projects[i].Name == name {
			return &c.Projects[i], nil
		}
	}
	return nil, fmt.Errorf("mirror: unknown project %q", name)
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mirror: parse config: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
