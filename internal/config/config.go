package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/NOVA-ALLRounder/main-sub001/internal/policy"
	"github.com/NOVA-ALLRounder/main-sub001/internal/transport"
)

// Config root configuration
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Log        LogConfig        `mapstructure:"log"`
	KillSwitch KillSwitchConfig `mapstructure:"kill_switch"`
}

// BrokerConfig session runtime settings
type BrokerConfig struct {
	Workspace      string `mapstructure:"workspace"`
	WorkspaceMode  string `mapstructure:"workspace_mode"`
	MaxSteps       int    `mapstructure:"max_steps"`
	StallThreshold int    `mapstructure:"stall_threshold"`
	MaxSessions    int    `mapstructure:"max_sessions"`
	ActionTimeout  int    `mapstructure:"action_timeout"`  // seconds
	ApprovalTTL    int    `mapstructure:"approval_ttl"`    // seconds
	RememberTTL    int    `mapstructure:"remember_ttl"`    // minutes
	PlannerTimeout int    `mapstructure:"planner_timeout"` // seconds
}

// PolicyConfig authorization defaults
type PolicyConfig struct {
	WriteLock     bool          `mapstructure:"write_lock"`
	File          string        `mapstructure:"file"`
	Allow         []policy.Rule `mapstructure:"allow"`
	Deny          []policy.Rule `mapstructure:"deny"`
	HostProcesses []string      `mapstructure:"host_processes"`
}

// TransportConfig broker to executor link
type TransportConfig struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
	Codec   string `mapstructure:"codec"`
	Secret  string `mapstructure:"secret"`
}

// ExecutorConfig reference executor settings
type ExecutorConfig struct {
	ShellTimeout int    `mapstructure:"shell_timeout"` // seconds
	WorkDir      string `mapstructure:"work_dir"`
}

// AuditConfig audit persistence
type AuditConfig struct {
	Backend string `mapstructure:"backend"`
}

// PlannerConfig LLM planner parameters
type PlannerConfig struct {
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	Claude     ProviderConfig `mapstructure:"claude"`
	OpenAI     ProviderConfig `mapstructure:"openai"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek"`
	Ollama     ProviderConfig `mapstructure:"ollama"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Token   string `mapstructure:"token"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // text or json
}

// KillSwitchConfig out-of-band stop trigger
type KillSwitchConfig struct {
	Signal string `mapstructure:"signal"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return &Config{
		Broker: BrokerConfig{
			Workspace:      filepath.Join(homeDir, ".steward", "workspace"),
			WorkspaceMode:  "default",
			MaxSteps:       50,
			StallThreshold: 3,
			MaxSessions:    8,
			ActionTimeout:  120,
			ApprovalTTL:    900,
			RememberTTL:    1440,
			PlannerTimeout: 60,
		},
		Policy: PolicyConfig{
			WriteLock:     true,
			Allow:         []policy.Rule{},
			Deny:          []policy.Rule{},
			HostProcesses: []string{"steward"},
		},
		Transport: TransportConfig{
			Network: "unix",
			Address: filepath.Join(homeDir, ".steward", "executor.sock"),
			Codec:   "cbor",
		},
		Executor: ExecutorConfig{
			ShellTimeout: 60,
		},
		Audit: AuditConfig{
			Backend: "both",
		},
		Planner: PlannerConfig{
			Model:       "anthropic/claude-sonnet-4-5",
			MaxTokens:   2048,
			Temperature: 0.2,
		},
		Providers: ProvidersConfig{},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18790,
			Token:   "",
		},
		Log: LogConfig{
			Level:  "info",
			File:   "",
			Format: "text",
		},
		KillSwitch: KillSwitchConfig{
			Signal: "SIGUSR1",
		},
	}
}

// ConfigDir returns the steward config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".steward")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("STEWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	b := &c.Broker

	if b.MaxSteps < 0 {
		return fmt.Errorf("broker.max_steps must not be negative, got %d", b.MaxSteps)
	}
	if b.MaxSteps == 0 {
		b.MaxSteps = 50
	}
	if b.StallThreshold < 0 {
		return fmt.Errorf("broker.stall_threshold must not be negative, got %d", b.StallThreshold)
	}
	if b.StallThreshold == 0 {
		b.StallThreshold = 3
	}
	if b.MaxSessions < 0 {
		return fmt.Errorf("broker.max_sessions must not be negative, got %d", b.MaxSessions)
	}
	for name, v := range map[string]int{
		"broker.action_timeout":  b.ActionTimeout,
		"broker.approval_ttl":    b.ApprovalTTL,
		"broker.remember_ttl":    b.RememberTTL,
		"broker.planner_timeout": b.PlannerTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}

	mode := strings.TrimSpace(b.WorkspaceMode)
	if mode != "" {
		validModes := map[string]bool{"default": true, "cwd": true, "path": true}
		if !validModes[strings.ToLower(mode)] {
			return fmt.Errorf("broker.workspace_mode must be one of: default, cwd, path; got %q", mode)
		}
		if strings.EqualFold(mode, "path") && strings.TrimSpace(b.Workspace) == "" {
			return fmt.Errorf("broker.workspace must be non-empty when workspace_mode is \"path\"")
		}
	}

	if err := policy.ValidateRules(c.Policy.Allow); err != nil {
		return fmt.Errorf("policy.allow: %w", err)
	}
	if err := policy.ValidateRules(c.Policy.Deny); err != nil {
		return fmt.Errorf("policy.deny: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Transport.Network)) {
	case "":
		c.Transport.Network = "unix"
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("transport.network must be one of unix, tcp, tcp4, tcp6; got %q", c.Transport.Network)
	}
	if _, err := transport.CodecByName(c.Transport.Codec); err != nil {
		return fmt.Errorf("transport.codec: %w", err)
	}
	if strings.TrimSpace(c.Transport.Address) == "" {
		c.Transport.Address = filepath.Join(ConfigDir(), "executor.sock")
	}

	switch strings.ToLower(strings.TrimSpace(c.Audit.Backend)) {
	case "":
		c.Audit.Backend = "jsonl"
	case "jsonl", "sqlite", "both":
		c.Audit.Backend = strings.ToLower(strings.TrimSpace(c.Audit.Backend))
	default:
		return fmt.Errorf("audit.backend must be one of jsonl, sqlite, both; got %q", c.Audit.Backend)
	}

	if c.Planner.Temperature < 0 || c.Planner.Temperature > 2.0 {
		return fmt.Errorf("planner.temperature must be between 0 and 2.0, got %f", c.Planner.Temperature)
	}
	if c.Planner.MaxTokens <= 0 {
		return fmt.Errorf("planner.max_tokens must be > 0, got %d", c.Planner.MaxTokens)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	switch format := strings.ToLower(strings.TrimSpace(c.Log.Format)); format {
	case "", "text":
		c.Log.Format = "text"
	case "json":
		c.Log.Format = format
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// Seconds converts a seconds setting, falling back when unset.
func Seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

// Minutes converts a minutes setting, falling back when unset.
func Minutes(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Minute
}

// WorkspacePath returns the expanded workspace path
func (c *Config) WorkspacePath() string {
	path, err := c.WorkspacePathChecked()
	if err != nil {
		return filepath.Join(ConfigDir(), "workspace")
	}
	return path
}

// WorkspacePathChecked returns the expanded workspace path or an error if invalid.
func (c *Config) WorkspacePathChecked() (string, error) {
	mode := strings.TrimSpace(c.Broker.WorkspaceMode)
	if mode == "" || strings.EqualFold(mode, "default") {
		return filepath.Join(ConfigDir(), "workspace"), nil
	}
	if strings.EqualFold(mode, "cwd") {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve cwd: %w", err)
		}
		return wd, nil
	}
	if !strings.EqualFold(mode, "path") {
		return "", fmt.Errorf("unknown workspace_mode: %s", mode)
	}
	if c.Broker.Workspace == "" {
		return "", fmt.Errorf("workspace is required when workspace_mode=path")
	}
	if c.Broker.Workspace[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for workspace path: %w", err)
		}
		rest := c.Broker.Workspace[1:]
		rest = strings.TrimPrefix(rest, string(filepath.Separator))
		rest = strings.TrimPrefix(rest, "/")
		return filepath.Join(homeDir, rest), nil
	}
	return c.Broker.Workspace, nil
}
