package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinSecretLength is the minimum recommended length for console ticket
	// signing secrets.
	MinSecretLength = 32
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind         = "127.0.0.1:8080"
	DefaultDatabasePath = "paneld.db"
	DefaultLogDir       = "logs"
	DefaultLogLevel     = "info"

	DefaultAgentControlTimeout = 10 * time.Second
	DefaultAgentFileTimeout    = 60 * time.Second
	DefaultConsoleDialTimeout  = 15 * time.Second

	DefaultRAMRate       = 2
	DefaultStorageRate   = 1
	DefaultRefundPercent = 0

	DefaultLifecycleRetryDelay = 2 * time.Second
	DefaultOperationTimeout    = 2 * time.Minute
	DefaultSweepInterval       = 2 * time.Minute

	DefaultReconcileInterval    = 30 * time.Second
	DefaultReconcileConcurrency = 8

	DefaultTicketTTL  = 30 * time.Second
	DefaultSessionTTL = 720 * time.Hour

	DefaultBusSubjectPrefix = "panel"
)

// Config is the root configuration for the panel daemon.
type Config struct {
	Panel      PanelConfig      `yaml:"panel"`
	Storage    StorageConfig    `yaml:"storage"`
	Agent      AgentConfig      `yaml:"agent"`
	Billing    BillingConfig    `yaml:"billing"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Bus        BusConfig        `yaml:"bus"`
	Logging    LoggingConfig    `yaml:"logging"`
	Push       PushConfig       `yaml:"push"`
}

// PanelConfig controls the HTTP/WebSocket surface of the daemon.
type PanelConfig struct {
	Bind           string        `yaml:"bind"`
	ExternalURL    string        `yaml:"external_url"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TicketSecret   string        `yaml:"ticket_secret"`
	// AdminToken is a static bearer credential with admin rights, used to
	// bootstrap the first account on a fresh database.
	AdminToken    string        `yaml:"admin_token"`
	TicketTTL     time.Duration `yaml:"ticket_ttl"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	PublicMetrics bool          `yaml:"public_metrics"`
}

// StorageConfig locates the panel database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig bounds outbound calls to node agents.
type AgentConfig struct {
	ControlTimeout     time.Duration `yaml:"control_timeout"`
	FileTimeout        time.Duration `yaml:"file_timeout"`
	ConsoleDialTimeout time.Duration `yaml:"console_dial_timeout"`
	MaxResponseBytes   int64         `yaml:"max_response_bytes"`
}

// BillingConfig holds the linear provisioning cost rates. Rates are
// credits per GB; RefundPercent is applied to the original cost on delete.
type BillingConfig struct {
	RAMRate       int64 `yaml:"ram_rate"`
	StorageRate   int64 `yaml:"storage_rate"`
	RefundPercent int   `yaml:"refund_percent"`
}

// LifecycleConfig tunes the server lifecycle controller.
type LifecycleConfig struct {
	RetryDelay       time.Duration `yaml:"retry_delay"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// ReconcilerConfig tunes the background status reconciler.
type ReconcilerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// BusConfig selects the event bus. An empty URL selects the in-process bus.
type BusConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig locates the structured event log.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// PushConfig holds Web Push (VAPID) credentials for crash notifications.
type PushConfig struct {
	Enabled         bool   `yaml:"enabled"`
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subscriber      string `yaml:"subscriber"`
}

// DefaultConfig returns the built-in defaults. Secrets are intentionally
// empty and must come from config or environment.
func DefaultConfig() *Config {
	return &Config{
		Panel: PanelConfig{
			Bind:       DefaultBind,
			TicketTTL:  DefaultTicketTTL,
			SessionTTL: DefaultSessionTTL,
		},
		Storage: StorageConfig{
			Path: DefaultDatabasePath,
		},
		Agent: AgentConfig{
			ControlTimeout:     DefaultAgentControlTimeout,
			FileTimeout:        DefaultAgentFileTimeout,
			ConsoleDialTimeout: DefaultConsoleDialTimeout,
			MaxResponseBytes:   1 << 20,
		},
		Billing: BillingConfig{
			RAMRate:       DefaultRAMRate,
			StorageRate:   DefaultStorageRate,
			RefundPercent: DefaultRefundPercent,
		},
		Lifecycle: LifecycleConfig{
			RetryDelay:       DefaultLifecycleRetryDelay,
			OperationTimeout: DefaultOperationTimeout,
			SweepInterval:    DefaultSweepInterval,
		},
		Reconciler: ReconcilerConfig{
			Interval:    DefaultReconcileInterval,
			Concurrency: DefaultReconcileConcurrency,
		},
		Bus: BusConfig{
			SubjectPrefix: DefaultBusSubjectPrefix,
		},
		Logging: LoggingConfig{
			Dir:   DefaultLogDir,
			Level: DefaultLogLevel,
		},
	}
}

// Load builds the effective configuration: defaults, then /etc/paneld/config.yaml,
// then ./paneld.yaml, then environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	systemPath := filepath.Join("/etc", "paneld", "config.yaml")
	if err := loadAndMerge(cfg, systemPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading system config: %w", err)
	}

	localPath := filepath.Join(".", "paneld.yaml")
	if err := loadAndMerge(cfg, localPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading local config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from an explicit path (defaults + file +
// environment overrides).
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Panel.Bind != "" {
		base.Panel.Bind = override.Panel.Bind
	}
	if override.Panel.ExternalURL != "" {
		base.Panel.ExternalURL = override.Panel.ExternalURL
	}
	if fieldSet(raw, "panel", "allowed_origins") {
		base.Panel.AllowedOrigins = append([]string{}, override.Panel.AllowedOrigins...)
	}
	if override.Panel.TicketSecret != "" {
		base.Panel.TicketSecret = override.Panel.TicketSecret
	}
	if override.Panel.AdminToken != "" {
		base.Panel.AdminToken = override.Panel.AdminToken
	}
	if override.Panel.TicketTTL != 0 {
		base.Panel.TicketTTL = override.Panel.TicketTTL
	}
	if override.Panel.SessionTTL != 0 {
		base.Panel.SessionTTL = override.Panel.SessionTTL
	}
	if fieldSet(raw, "panel", "public_metrics") {
		base.Panel.PublicMetrics = override.Panel.PublicMetrics
	}

	if override.Storage.Path != "" {
		base.Storage.Path = override.Storage.Path
	}

	if override.Agent.ControlTimeout != 0 {
		base.Agent.ControlTimeout = override.Agent.ControlTimeout
	}
	if override.Agent.FileTimeout != 0 {
		base.Agent.FileTimeout = override.Agent.FileTimeout
	}
	if override.Agent.ConsoleDialTimeout != 0 {
		base.Agent.ConsoleDialTimeout = override.Agent.ConsoleDialTimeout
	}
	if override.Agent.MaxResponseBytes != 0 {
		base.Agent.MaxResponseBytes = override.Agent.MaxResponseBytes
	}

	if fieldSet(raw, "billing", "ram_rate") {
		base.Billing.RAMRate = override.Billing.RAMRate
	}
	if fieldSet(raw, "billing", "storage_rate") {
		base.Billing.StorageRate = override.Billing.StorageRate
	}
	if fieldSet(raw, "billing", "refund_percent") {
		base.Billing.RefundPercent = override.Billing.RefundPercent
	}

	if override.Lifecycle.RetryDelay != 0 {
		base.Lifecycle.RetryDelay = override.Lifecycle.RetryDelay
	}
	if override.Lifecycle.OperationTimeout != 0 {
		base.Lifecycle.OperationTimeout = override.Lifecycle.OperationTimeout
	}
	if override.Lifecycle.SweepInterval != 0 {
		base.Lifecycle.SweepInterval = override.Lifecycle.SweepInterval
	}

	if override.Reconciler.Interval != 0 {
		base.Reconciler.Interval = override.Reconciler.Interval
	}
	if override.Reconciler.Concurrency != 0 {
		base.Reconciler.Concurrency = override.Reconciler.Concurrency
	}

	if override.Bus.URL != "" {
		base.Bus.URL = override.Bus.URL
	}
	if override.Bus.SubjectPrefix != "" {
		base.Bus.SubjectPrefix = override.Bus.SubjectPrefix
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	if fieldSet(raw, "push", "enabled") {
		base.Push.Enabled = override.Push.Enabled
	}
	if override.Push.VAPIDPublicKey != "" {
		base.Push.VAPIDPublicKey = override.Push.VAPIDPublicKey
	}
	if override.Push.VAPIDPrivateKey != "" {
		base.Push.VAPIDPrivateKey = override.Push.VAPIDPrivateKey
	}
	if override.Push.Subscriber != "" {
		base.Push.Subscriber = override.Push.Subscriber
	}
}

// fieldSet reports whether a key path appears in the raw YAML document,
// distinguishing explicit zero values from absent keys.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PANELD_BIND"); v != "" {
		cfg.Panel.Bind = v
	}
	if v := os.Getenv("PANELD_EXTERNAL_URL"); v != "" {
		cfg.Panel.ExternalURL = v
	}
	if v := os.Getenv("PANELD_TICKET_SECRET"); v != "" {
		cfg.Panel.TicketSecret = v
	}
	if v := os.Getenv("PANELD_ADMIN_TOKEN"); v != "" {
		cfg.Panel.AdminToken = v
	}
	if v := os.Getenv("PANELD_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PANELD_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("PANELD_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("PANELD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PANELD_PUSH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Push.Enabled = b
		}
	}
	if v := os.Getenv("PANELD_VAPID_PUBLIC_KEY"); v != "" {
		cfg.Push.VAPIDPublicKey = v
	}
	if v := os.Getenv("PANELD_VAPID_PRIVATE_KEY"); v != "" {
		cfg.Push.VAPIDPrivateKey = v
	}
	if v := os.Getenv("PANELD_PUSH_SUBSCRIBER"); v != "" {
		cfg.Push.Subscriber = v
	}
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail fast.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Panel.Bind); err != nil {
		return fmt.Errorf("invalid panel.bind %q: %w", c.Panel.Bind, err)
	}
	if c.Panel.TicketSecret != "" && len(c.Panel.TicketSecret) < MinSecretLength {
		return fmt.Errorf("panel.ticket_secret must be at least %d characters", MinSecretLength)
	}
	if c.Panel.AdminToken != "" && len(c.Panel.AdminToken) < MinSecretLength {
		return fmt.Errorf("panel.admin_token must be at least %d characters", MinSecretLength)
	}
	if c.Panel.TicketTTL <= 0 {
		return fmt.Errorf("panel.ticket_ttl must be > 0")
	}
	if c.Panel.SessionTTL <= 0 {
		return fmt.Errorf("panel.session_ttl must be > 0")
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path must not be empty")
	}

	if c.Agent.ControlTimeout <= 0 {
		return fmt.Errorf("agent.control_timeout must be > 0")
	}
	if c.Agent.FileTimeout <= 0 {
		return fmt.Errorf("agent.file_timeout must be > 0")
	}
	if c.Agent.ConsoleDialTimeout <= 0 {
		return fmt.Errorf("agent.console_dial_timeout must be > 0")
	}
	if c.Agent.MaxResponseBytes <= 0 {
		return fmt.Errorf("agent.max_response_bytes must be > 0")
	}

	if c.Billing.RAMRate < 0 {
		return fmt.Errorf("billing.ram_rate must be >= 0")
	}
	if c.Billing.StorageRate < 0 {
		return fmt.Errorf("billing.storage_rate must be >= 0")
	}
	if c.Billing.RefundPercent < 0 || c.Billing.RefundPercent > 100 {
		return fmt.Errorf("billing.refund_percent must be between 0 and 100, got %d", c.Billing.RefundPercent)
	}

	if c.Lifecycle.RetryDelay < 0 {
		return fmt.Errorf("lifecycle.retry_delay must be >= 0")
	}
	if c.Lifecycle.OperationTimeout <= 0 {
		return fmt.Errorf("lifecycle.operation_timeout must be > 0")
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("lifecycle.sweep_interval must be > 0")
	}

	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be > 0")
	}
	if c.Reconciler.Concurrency < 1 {
		return fmt.Errorf("reconciler.concurrency must be >= 1")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Keys may be omitted entirely (generated and persisted on first start)
	// but half a vapid pair is always a mistake.
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("push.vapid_public_key and push.vapid_private_key must be set together")
	}

	return nil
}
