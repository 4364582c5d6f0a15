package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/scheduler"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Contracts ContractsConfig `json:"contracts"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Executor  ExecutorConfig  `json:"executor"`
	Agents    []AgentConfig   `json:"agents"`
	Notify    NotifyConfig    `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type SchedulerConfig struct {
	Patterns   []scheduler.ContextPattern `json:"patterns,omitempty"`
	InsightTTL Duration                   `json:"insight_ttl"`
}

type ContractsConfig struct {
	SweepInterval Duration `json:"sweep_interval"`
	OfferTTL      Duration `json:"offer_ttl"`
}

type WorkflowConfig struct {
	DefaultTimeout  Duration `json:"default_timeout"`
	ContractTimeout Duration `json:"contract_timeout"`
	MaxParallel     int      `json:"max_parallel"`
	MaxStepVisits   int      `json:"max_step_visits"`
}

// ExecutorConfig configures the HTTP capability executor used for agents
// with an endpoint.
type ExecutorConfig struct {
	APIKey  string   `json:"api_key"`
	Timeout Duration `json:"timeout"`
}

type AgentConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
	Priority     int      `json:"priority"`
}

type NotifyConfig struct {
	Slack   ChannelConfig `json:"slack"`
	Discord ChannelConfig `json:"discord"`
}

type ChannelConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// Duration reads "90s" style strings from JSON. A bare number is a count of
// seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Scheduler.InsightTTL.Duration == 0 {
		c.Scheduler.InsightTTL.Duration = time.Hour
	}
	if c.Contracts.SweepInterval.Duration == 0 {
		c.Contracts.SweepInterval.Duration = time.Minute
	}
	if c.Contracts.OfferTTL.Duration == 0 {
		c.Contracts.OfferTTL.Duration = 24 * time.Hour
	}
	if c.Workflow.DefaultTimeout.Duration == 0 {
		c.Workflow.DefaultTimeout.Duration = 2 * time.Minute
	}
	if c.Workflow.ContractTimeout.Duration == 0 {
		c.Workflow.ContractTimeout.Duration = 30 * time.Second
	}
	if c.Workflow.MaxParallel == 0 {
		c.Workflow.MaxParallel = 4
	}
	if c.Workflow.MaxStepVisits == 0 {
		c.Workflow.MaxStepVisits = 10
	}
	if c.Executor.Timeout.Duration == 0 {
		c.Executor.Timeout.Duration = 120 * time.Second
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent %q", a.ID)
		}
		seen[a.ID] = true
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.Token == "" || c.Notify.Slack.Channel == "") {
		return fmt.Errorf("notify.slack requires token and channel")
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.Token == "" || c.Notify.Discord.Channel == "") {
		return fmt.Errorf("notify.discord requires token and channel")
	}
	return nil
}
