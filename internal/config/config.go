package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Control   ControlConfig   `yaml:"control" mapstructure:"control"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Scoring   ScoringConfig   `yaml:"scoring" mapstructure:"scoring"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ControlConfig configures the control-plane tenant registry.
type ControlConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// LLMConfig configures the provider-agnostic adapter.
type LLMConfig struct {
	// Provider selects the backend: "anthropic" or "gemini".
	Provider         string  `yaml:"provider" mapstructure:"provider"`
	TimeoutMs        int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	HardTokenCeiling int     `yaml:"hard_token_ceiling" mapstructure:"hard_token_ceiling"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// ScoringConfig configures batch orchestration.
type ScoringConfig struct {
	ProfileBatchSize       int `yaml:"profile_batch_size" mapstructure:"profile_batch_size"`
	IntraTenantConcurrency int `yaml:"intra_tenant_concurrency" mapstructure:"intra_tenant_concurrency"`
	RubricCacheTTLMinutes  int `yaml:"rubric_cache_ttl_minutes" mapstructure:"rubric_cache_ttl_minutes"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("control.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.timeout_ms", 120000)
	v.SetDefault("llm.hard_token_ceiling", 16384)
	v.SetDefault("llm.requests_per_sec", 2.0)
	v.SetDefault("scoring.profile_batch_size", 50)
	v.SetDefault("scoring.intra_tenant_concurrency", 5)
	v.SetDefault("scoring.rubric_cache_ttl_minutes", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a given mode needs before it starts.
// Modes: "score" (batch scoring), "serve" (status API), "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	needControl := func() {
		if c.Control.Driver == "postgres" {
			check(c.Control.DatabaseURL != "", "control.database_url is required")
		}
	}

	switch mode {
	case "score":
		needControl()
		switch c.LLM.Provider {
		case "", "gemini":
			check(c.Gemini.Key != "", "gemini.key is required")
		case "anthropic":
			check(c.Anthropic.Key != "", "anthropic.key is required")
		default:
			check(false, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
		}
		check(c.LLM.TimeoutMs > 0, "llm.timeout_ms must be > 0")
		check(c.Scoring.ProfileBatchSize >= 1 && c.Scoring.ProfileBatchSize <= 500,
			"scoring.profile_batch_size must be between 1 and 500")
		check(c.Scoring.IntraTenantConcurrency >= 1 && c.Scoring.IntraTenantConcurrency <= 50,
			"scoring.intra_tenant_concurrency must be between 1 and 50")
	case "serve":
		needControl()
		check(c.Server.Port > 0, "server.port must be > 0")
	case "migrate":
		needControl()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
