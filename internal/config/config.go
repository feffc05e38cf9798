package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models claimline.yml.
type Config struct {
	Windows struct {
		ClaimLease    time.Duration `yaml:"claim_lease"`
		Review        time.Duration `yaml:"review"`
		AIEligibility time.Duration `yaml:"ai_eligibility"`
		PoolTTL       time.Duration `yaml:"pool_ttl"`
	} `yaml:"windows"`
	Scheduler struct {
		Interval  time.Duration `yaml:"interval"`
		Batch     int           `yaml:"batch"`
		RetryBase time.Duration `yaml:"retry_base"`
		RetryMax  time.Duration `yaml:"retry_max"`
	} `yaml:"scheduler"`
	Actions map[string]ActionPolicy `yaml:"actions"`
	Oracle  struct {
		Mode           string        `yaml:"mode"`
		URL            string        `yaml:"url"`
		Timeout        time.Duration `yaml:"timeout"`
		StaticDecision string        `yaml:"static_decision"`
	} `yaml:"oracle"`
	Ledger struct {
		Driver    string `yaml:"driver"`
		RedisAddr string `yaml:"redis_addr"`
		Stream    string `yaml:"stream"`
	} `yaml:"ledger"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Log struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
}

// ActionPolicy holds per action type intake rules.
type ActionPolicy struct {
	ProofRequired   bool `yaml:"proof_required"`
	CommentRequired bool `yaml:"comment_required"`
}

// Policy returns the policy for an action type; unknown types require proof.
func (c *Config) Policy(actionType string) (ActionPolicy, bool) {
	p, ok := c.Actions[actionType]
	if !ok {
		return ActionPolicy{ProofRequired: true}, false
	}
	return p, true
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with claimline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
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
	windows := map[string]time.Duration{
		"windows.claim_lease":    c.Windows.ClaimLease,
		"windows.review":         c.Windows.Review,
		"windows.ai_eligibility": c.Windows.AIEligibility,
		"windows.pool_ttl":       c.Windows.PoolTTL,
		"scheduler.interval":     c.Scheduler.Interval,
		"scheduler.retry_base":   c.Scheduler.RetryBase,
		"scheduler.retry_max":    c.Scheduler.RetryMax,
		"oracle.timeout":         c.Oracle.Timeout,
	}
	for key, d := range windows {
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", key)
		}
	}
	if c.Scheduler.RetryMax < c.Scheduler.RetryBase {
		return fmt.Errorf("config.scheduler.retry_max must be >= retry_base")
	}
	if c.Scheduler.Batch <= 0 {
		return fmt.Errorf("config.scheduler.batch must be positive")
	}
	if len(c.Actions) == 0 {
		return fmt.Errorf("config.actions is required")
	}
	for name := range c.Actions {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.actions contains empty action type")
		}
	}
	switch c.Oracle.Mode {
	case "http":
		if strings.TrimSpace(c.Oracle.URL) == "" {
			return fmt.Errorf("config.oracle.url is required for mode http")
		}
	case "static":
		if c.Oracle.StaticDecision != "approve" && c.Oracle.StaticDecision != "reject" {
			return fmt.Errorf("config.oracle.static_decision must be approve or reject")
		}
	default:
		return fmt.Errorf("config.oracle.mode must be http or static")
	}
	switch c.Ledger.Driver {
	case "log":
	case "redis":
		if strings.TrimSpace(c.Ledger.RedisAddr) == "" {
			return fmt.Errorf("config.ledger.redis_addr is required for driver redis")
		}
		if strings.TrimSpace(c.Ledger.Stream) == "" {
			return fmt.Errorf("config.ledger.stream is required for driver redis")
		}
	default:
		return fmt.Errorf("config.ledger.driver must be log or redis")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "claimline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults, then validates.
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

const defaultTemplate = `windows:
  claim_lease: 2h
  review: 48h
  ai_eligibility: 24h
  pool_ttl: 168h

scheduler:
  interval: 5s
  batch: 100
  retry_base: 30s
  retry_max: 30m

actions:
  follow:
    proof_required: true
  like:
    proof_required: true
  comment:
    proof_required: true
    comment_required: true
  view:
    proof_required: false

oracle:
  # static answers every review with static_decision; use it for local runs only.
  mode: http
  url: ""
  timeout: 15s
  static_decision: ""

ledger:
  driver: log
  redis_addr: ""
  stream: ledger.credits

server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""
  allow_actor_header: false

webhook:
  secret: ""

log:
  mode: development
`
