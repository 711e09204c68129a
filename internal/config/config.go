// Package config holds the engine's own configuration, loaded from a single
// YAML document the way the teacher's config.Config is (gopkg.in/yaml.v3
// tagged structs, time.Duration fields decoded from Go duration strings).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheConfig configures the policy cache (spec.md §4.4).
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// EngineConfig is the top-level configuration for a policy authorization
// engine instance (spec.md §4.7).
type EngineConfig struct {
	FailClosed          bool          `yaml:"fail_closed"`
	DefaultEffect       string        `yaml:"default_effect"`
	EnableKillSwitch    bool          `yaml:"enable_kill_switch"`
	EnableRateLimit     bool          `yaml:"enable_rate_limit"`
	EnableApprovalGates bool          `yaml:"enable_approval_gates"`
	Cache               CacheConfig   `yaml:"cache"`
	EvaluationTimeout   time.Duration `yaml:"evaluation_timeout"`

	PoliciesDir string `yaml:"policies_dir"`
	LogLevel    string `yaml:"log_level"`

	AuditSQLitePath   string `yaml:"audit_sqlite_path"`
	AuditStreamEnable bool   `yaml:"audit_stream_enable"`

	MetricsNamespace string `yaml:"metrics_namespace"`
}

// DefaultConfig returns an EngineConfig with the defaults named in spec.md
// §4.7.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		FailClosed:          true,
		DefaultEffect:       "deny",
		EnableKillSwitch:    true,
		EnableRateLimit:     true,
		EnableApprovalGates: true,
		Cache: CacheConfig{
			Enabled: true,
			TTL:     60 * time.Second,
			MaxSize: 1000,
		},
		EvaluationTimeout: 5 * time.Second,
		PoliciesDir:       "./policies",
		LogLevel:          "info",
		MetricsNamespace:  "policyauthz",
	}
}

// Load reads an EngineConfig from path, starting from DefaultConfig and
// overlaying whatever the document specifies.
func Load(path string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
