package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "48h" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models caseflow.yml.
type Config struct {
	Workspace string `yaml:"workspace"`

	Recovery struct {
		// Cases whose last event is older than this are considered
		// stale during recovery.
		Staleness Duration `yaml:"staleness"`
	} `yaml:"recovery"`

	Reminder struct {
		Cadence  Duration `yaml:"cadence"`
		MaxCount int      `yaml:"max_count"`
	} `yaml:"reminder"`

	Retry struct {
		MaxAttempts int      `yaml:"max_attempts"`
		BaseDelay   Duration `yaml:"base_delay"`
		MaxDelay    Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	Triage struct {
		// Domains whose triggers are classified operator-side; all
		// other creators are users.
		OperatorDomains []string `yaml:"operator_domains"`
		// Company name substrings that mark a trigger as not
		// relevant for research.
		IrrelevantTerms []string `yaml:"irrelevant_terms"`
	} `yaml:"triage"`

	Sources struct {
		CRM struct {
			BaseURL   string   `yaml:"base_url"`
			TokenEnv  string   `yaml:"token_env"`
			Timeout   Duration `yaml:"timeout"`
			RedisAddr string   `yaml:"redis_addr"`
			CacheTTL  Duration `yaml:"cache_ttl"`
		} `yaml:"crm"`
		Static struct {
			DatasetPath string `yaml:"dataset_path"`
		} `yaml:"static"`
	} `yaml:"sources"`

	Mail struct {
		SMTPAddr    string `yaml:"smtp_addr"`
		From        string `yaml:"from"`
		AdminInbox  string `yaml:"admin_inbox"`
		TokenDomain string `yaml:"token_domain"`
	} `yaml:"mail"`

	Server struct {
		Addr         string `yaml:"addr"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`

	// Webhooks receive a POST for every recorded case event.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cf init", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Recovery.Staleness < 0 {
		return fmt.Errorf("config.recovery.staleness must not be negative")
	}
	if c.Reminder.Cadence < 0 {
		return fmt.Errorf("config.reminder.cadence must not be negative")
	}
	if c.Reminder.MaxCount < 0 {
		return fmt.Errorf("config.reminder.max_count must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config.retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config.retry.max_delay must not be below base_delay")
	}
	if c.Sources.CRM.BaseURL != "" && c.Sources.CRM.TokenEnv == "" {
		return fmt.Errorf("config.sources.crm.token_env required when base_url is set")
	}
	if c.Mail.SMTPAddr != "" && c.Mail.From == "" {
		return fmt.Errorf("config.mail.from required when smtp_addr is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// Default returns the built-in defaults.
func Default() *Config {
	var cfg Config
	cfg.Recovery.Staleness = Duration(24 * time.Hour)
	cfg.Reminder.Cadence = Duration(48 * time.Hour)
	cfg.Reminder.MaxCount = 3
	cfg.Retry.MaxAttempts = 4
	cfg.Retry.BaseDelay = Duration(1500 * time.Millisecond)
	cfg.Retry.MaxDelay = Duration(time.Minute)
	cfg.Sources.CRM.TokenEnv = "CASEFLOW_CRM_TOKEN"
	cfg.Sources.CRM.Timeout = Duration(10 * time.Second)
	cfg.Sources.CRM.CacheTTL = Duration(15 * time.Minute)
	cfg.Mail.TokenDomain = "caseflow"
	cfg.Server.Addr = ":8484"
	cfg.Server.JWTSecretEnv = "CASEFLOW_JWT_SECRET"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// unset fall back to the built-in defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for cf init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workspace: .

recovery:
  staleness: 24h

reminder:
  cadence: 48h
  max_count: 3

retry:
  max_attempts: 4
  base_delay: 1.5s
  max_delay: 1m

triage:
  operator_domains: []
  irrelevant_terms: [test, sandbox, example]

sources:
  crm:
    base_url: ""
    token_env: CASEFLOW_CRM_TOKEN
    timeout: 10s
    redis_addr: ""
    cache_ttl: 15m
  static:
    dataset_path: ""

mail:
  smtp_addr: ""
  from: ""
  admin_inbox: ""
  token_domain: caseflow

server:
  addr: ":8484"
  jwt_secret_env: CASEFLOW_JWT_SECRET
`
