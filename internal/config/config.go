package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/miridih-ejkim/mmiai/internal/circuitbreaker"
	"github.com/miridih-ejkim/mmiai/internal/tracing"
)

const (
	// DefaultPath is used when neither an explicit path nor ROUTER_CONFIG is set
	DefaultPath = "config/router.yaml"
	envPrefix   = "ROUTER"
)

// Service kinds understood by the pool
const (
	ServiceKindMCP     = "mcp"
	ServiceKindCatalog = "catalog"
)

// Gate modes
const (
	GateModeRetry       = "retry"
	GateModeInteractive = "interactive"
)

type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests/second per user, 0 disables
	RateBurst    int           `mapstructure:"rate_burst"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Addr     string                  `mapstructure:"addr"` // empty selects the in-memory run store
	Password string                  `mapstructure:"password"`
	DB       int                     `mapstructure:"db"`
	RunTTL   time.Duration           `mapstructure:"run_ttl"`
	Breaker  circuitbreaker.Settings `mapstructure:"breaker"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // postgres | sqlite3
	DSN     string `mapstructure:"dsn"`
}

type PoolConfig struct {
	IdleTTL       time.Duration           `mapstructure:"idle_ttl"`
	SweepInterval time.Duration           `mapstructure:"sweep_interval"`
	BuildTimeout  time.Duration           `mapstructure:"build_timeout"`
	Breaker       circuitbreaker.Settings `mapstructure:"breaker"`
}

type GateConfig struct {
	Mode          string  `mapstructure:"mode"`
	Threshold     float64 `mapstructure:"threshold"`
	ExcerptLength int     `mapstructure:"excerpt_length"`
}

type WorkflowConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	SuspendedTTL    time.Duration `mapstructure:"suspended_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

type OrchestratorConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	WorkerTimeout  time.Duration `mapstructure:"worker_timeout"`
}

type LLMConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxToolTurns int           `mapstructure:"max_tool_turns"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServiceConfig describes one external tool backend
type ServiceConfig struct {
	ID      string            `mapstructure:"id" yaml:"id"`
	Kind    string            `mapstructure:"kind" yaml:"kind"`
	URL     string            `mapstructure:"url" yaml:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// WorkerConfig describes one delegate in the closed worker registry
type WorkerConfig struct {
	ID           string `mapstructure:"id" yaml:"id"`
	Name         string `mapstructure:"name" yaml:"name"`
	Description  string `mapstructure:"description" yaml:"description"`
	ServiceID    string `mapstructure:"service_id" yaml:"service_id"`
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// Config is the router configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Gate         GateConfig         `mapstructure:"gate"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Tracing      tracing.Config     `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Services     []ServiceConfig    `mapstructure:"services"`
	Workers      []WorkerConfig     `mapstructure:"workers"`
	ConfigDir    string             `mapstructure:"config_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8081)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.rate_limit", 2.0)
	v.SetDefault("server.rate_burst", 5)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.run_ttl", 48*time.Hour)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "postgres")
	v.SetDefault("archive.dsn", "")

	v.SetDefault("pool.idle_ttl", 5*time.Minute)
	v.SetDefault("pool.sweep_interval", time.Minute)
	v.SetDefault("pool.build_timeout", 15*time.Second)

	v.SetDefault("gate.mode", GateModeInteractive)
	v.SetDefault("gate.threshold", 0.6)
	v.SetDefault("gate.excerpt_length", 500)

	v.SetDefault("workflow.max_iterations", 3)
	v.SetDefault("workflow.suspended_ttl", 24*time.Hour)
	v.SetDefault("workflow.janitor_interval", 10*time.Minute)

	v.SetDefault("orchestrator.max_concurrency", 4)
	v.SetDefault("orchestrator.worker_timeout", 2*time.Minute)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", time.Minute)
	v.SetDefault("llm.max_tool_turns", 6)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mmiai-router")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("config_dir", "")
}

// Load reads the router configuration from path, ROUTER_CONFIG, or DefaultPath.
// A missing file is not an error; defaults and ROUTER_* env overrides still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ROUTER_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Conventional provider variable, used when the router-specific one is unset
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Gate.Mode {
	case GateModeRetry, GateModeInteractive:
	default:
		return fmt.Errorf("gate.mode must be %q or %q, got %q", GateModeRetry, GateModeInteractive, c.Gate.Mode)
	}
	if c.Gate.Threshold < 0 || c.Gate.Threshold > 1 {
		return fmt.Errorf("gate.threshold must be within [0,1], got %v", c.Gate.Threshold)
	}
	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("workflow.max_iterations must be at least 1")
	}
	if c.Archive.Enabled {
		switch c.Archive.Driver {
		case "postgres", "sqlite3":
		default:
			return fmt.Errorf("archive.driver must be postgres or sqlite3, got %q", c.Archive.Driver)
		}
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn is required when the archive is enabled")
		}
	}

	services := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.ID == "" {
			return fmt.Errorf("service without id")
		}
		if services[s.ID] {
			return fmt.Errorf("duplicate service id %q", s.ID)
		}
		switch s.Kind {
		case ServiceKindMCP, ServiceKindCatalog:
		default:
			return fmt.Errorf("service %q: unknown kind %q", s.ID, s.Kind)
		}
		if s.URL == "" {
			return fmt.Errorf("service %q: url is required", s.ID)
		}
		services[s.ID] = true
	}

	workers := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker without id")
		}
		if workers[w.ID] {
			return fmt.Errorf("duplicate worker id %q", w.ID)
		}
		if w.ServiceID != "" && !services[w.ServiceID] {
			return fmt.Errorf("worker %q references unknown service %q", w.ID, w.ServiceID)
		}
		workers[w.ID] = true
	}
	return nil
}

// Service returns the service config with id
func (c *Config) Service(id string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.ID == id {
			return s, true
		}
	}
	return ServiceConfig{}, false
}
