// Package config handles Isabella configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/identity"
	"github.com/tamv/isabella/internal/logging"
	"github.com/tamv/isabella/internal/sentinel"
	"github.com/tamv/isabella/internal/telemetry"
)

// Environment overrides
const (
	EnvCreatorDID    = "ISABELLA_CREATOR_DID"
	EnvCreatorPubKey = "ISABELLA_CREATOR_PUBKEY"
	EnvRedisURL      = "ISABELLA_REDIS_URL"
	EnvLogLevel      = "ISABELLA_LOG_LEVEL"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	Server    ServerConfig    `json:"server"`
	Creator   CreatorConfig   `json:"creator"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Sentinel  SentinelConfig  `json:"sentinel"`
	Ledger    LedgerConfig    `json:"ledger"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port           int      `json:"port"`
	Host           string   `json:"host"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// CreatorConfig identifies the privileged creator
type CreatorConfig struct {
	DID    string `json:"did"`
	PubKey string `json:"pubkey"`

	// KeyBundlePath points at public keys written by `isabella keygen`.
	// When set, sessions must carry a valid hybrid signature.
	KeyBundlePath    string              `json:"key_bundle_path,omitempty"`
	RequireAssurance core.AssuranceLevel `json:"require_assurance,omitempty"`
}

// TelemetryConfig for per-session trackers
type TelemetryConfig struct {
	MaxHistory int         `json:"max_history"`
	Module     core.Module `json:"module"`

	// MaxSessions caps live sessions; idle ones are dropped after SessionIdleSecs
	MaxSessions     int `json:"max_sessions"`
	SessionIdleSecs int `json:"session_idle_seconds"`
}

// SentinelConfig for the security evaluators
type SentinelConfig struct {
	ThreatThreshold   float64           `json:"threat_threshold"`
	LockdownLevel     float64           `json:"lockdown_level"`
	DenyPenalty       float64           `json:"deny_penalty"`
	AllowCredit       float64           `json:"allow_credit"`
	ReputationTTLSecs int               `json:"reputation_ttl_seconds"`
	RoleMaxRisk       map[string]string `json:"role_max_risk,omitempty"`
	RiskPermissions   map[string]string `json:"risk_permissions,omitempty"`
	RedisURL          string            `json:"redis_url,omitempty"`
}

// LedgerConfig for the audit ledger
type LedgerConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"db_path,omitempty"`
}

// LogConfig for the logger
type LogConfig struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	creator := identity.DefaultCreator()
	rep := sentinel.DefaultReputationConfig()

	return &Config{
		DataDir: filepath.Join(home, ".isabella"),
		Server: ServerConfig{
			Port:           8080,
			Host:           "localhost",
			AllowedOrigins: []string{"http://localhost:*"},
		},
		Creator: CreatorConfig{
			DID:    creator.DID,
			PubKey: creator.PubKey,
		},
		Telemetry: TelemetryConfig{
			MaxHistory:      telemetry.DefaultMaxHistory,
			Module:          core.ModuleIntelligence,
			MaxSessions:     10000,
			SessionIdleSecs: 1800,
		},
		Sentinel: SentinelConfig{
			ThreatThreshold:   rep.ThreatThreshold,
			LockdownLevel:     rep.LockdownLevel,
			DenyPenalty:       rep.DenyPenalty,
			AllowCredit:       rep.AllowCredit,
			ReputationTTLSecs: int(rep.TTL / time.Second),
		},
		Ledger: LedgerConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvCreatorDID); v != "" {
		c.Creator.DID = v
	}
	if v := os.Getenv(EnvCreatorPubKey); v != "" {
		c.Creator.PubKey = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Sentinel.RedisURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Creator.DID == "" || c.Creator.PubKey == "" {
		return fmt.Errorf("%w: creator did and pubkey", core.ErrMissingRequired)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d", core.ErrInvalidInput, c.Server.Port)
	}
	if c.Telemetry.MaxHistory < 1 {
		return fmt.Errorf("%w: telemetry max_history must be at least 1", core.ErrInvalidInput)
	}
	if !c.Telemetry.Module.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownModule, c.Telemetry.Module)
	}
	if c.Telemetry.MaxSessions < 1 {
		return fmt.Errorf("%w: telemetry max_sessions must be at least 1", core.ErrInvalidInput)
	}
	if c.Telemetry.SessionIdleSecs < 1 {
		return fmt.Errorf("%w: telemetry session_idle_seconds must be positive", core.ErrInvalidInput)
	}
	if c.Sentinel.ReputationTTLSecs < 1 {
		return fmt.Errorf("%w: sentinel reputation_ttl_seconds must be positive", core.ErrInvalidInput)
	}
	if c.Sentinel.LockdownLevel < c.Sentinel.ThreatThreshold {
		return fmt.Errorf("%w: lockdown level below threat threshold", core.ErrInvalidInput)
	}
	if c.Creator.RequireAssurance != "" && c.Creator.RequireAssurance.Rank() == 0 {
		return fmt.Errorf("%w: assurance level %q", core.ErrInvalidInput, c.Creator.RequireAssurance)
	}
	for role, level := range c.Sentinel.RoleMaxRisk {
		if !core.AgentRole(role).Valid() {
			return fmt.Errorf("%w: role %q", core.ErrInvalidInput, role)
		}
		if core.RiskLevel(level).Rank() == 0 {
			return fmt.Errorf("%w: risk level %q", core.ErrInvalidInput, level)
		}
	}
	for level, perm := range c.Sentinel.RiskPermissions {
		if core.RiskLevel(level).Rank() == 0 {
			return fmt.Errorf("%w: risk level %q", core.ErrInvalidInput, level)
		}
		if perm == "" {
			return fmt.Errorf("%w: empty permission for %s", core.ErrInvalidInput, level)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LedgerPath resolves the ledger database file
func (c *Config) LedgerPath() string {
	if c.Ledger.DBPath != "" {
		return c.Ledger.DBPath
	}
	return filepath.Join(c.DataDir, "ledger.db")
}

// CreatorIdentity converts the creator section for the identity package
func (c *Config) CreatorIdentity() identity.CreatorConfig {
	return identity.CreatorConfig{DID: c.Creator.DID, PubKey: c.Creator.PubKey}
}

// ReputationConfig converts the sentinel section
func (c *Config) ReputationConfig() sentinel.ReputationConfig {
	return sentinel.ReputationConfig{
		DenyPenalty:     c.Sentinel.DenyPenalty,
		AllowCredit:     c.Sentinel.AllowCredit,
		TTL:             time.Duration(c.Sentinel.ReputationTTLSecs) * time.Second,
		ThreatThreshold: c.Sentinel.ThreatThreshold,
		LockdownLevel:   c.Sentinel.LockdownLevel,
	}
}

// RoleMaxRisk converts the role caps
func (c *Config) RoleMaxRisk() map[core.AgentRole]core.RiskLevel {
	caps := make(map[core.AgentRole]core.RiskLevel, len(c.Sentinel.RoleMaxRisk))
	for role, level := range c.Sentinel.RoleMaxRisk {
		caps[core.AgentRole(role)] = core.RiskLevel(level)
	}
	return caps
}

// RiskPermissions converts the per-risk permission requirements
func (c *Config) RiskPermissions() map[core.RiskLevel]string {
	perms := make(map[core.RiskLevel]string, len(c.Sentinel.RiskPermissions))
	for level, perm := range c.Sentinel.RiskPermissions {
		perms[core.RiskLevel(level)] = perm
	}
	return perms
}

// SessionIdle is how long a telemetry session may go untouched
func (c *Config) SessionIdle() time.Duration {
	return time.Duration(c.Telemetry.SessionIdleSecs) * time.Second
}

// LogLevel returns the parsed log level, INFO if unparseable
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Redis URLs may carry credentials
	safeCfg := *c
	safeCfg.Sentinel.RedisURL = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
