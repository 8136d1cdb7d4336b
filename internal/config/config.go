package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Matching   MatchingConfig   `yaml:"matching" mapstructure:"matching"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// JinaConfig holds Jina AI search and embedding settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
	EmbedBaseURL  string `yaml:"embed_base_url" mapstructure:"embed_base_url"`
	EmbedModel    string `yaml:"embed_model" mapstructure:"embed_model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// EmbeddingConfig selects the embedding strategy. Provider is "local"
// (deterministic feature hashing) or "jina".
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" mapstructure:"provider"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
}

// PipelineConfig configures stage execution for a run.
type PipelineConfig struct {
	MaxConcurrent            int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RateLimitRetries         int `yaml:"rate_limit_retries" mapstructure:"rate_limit_retries"`
	RetryBackoffMs           int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	PersonasTimeoutSecs      int `yaml:"personas_timeout_secs" mapstructure:"personas_timeout_secs"`
	DiscoveryTimeoutSecs     int `yaml:"discovery_timeout_secs" mapstructure:"discovery_timeout_secs"`
	DecisionMakersTimeoutSec int `yaml:"decision_makers_timeout_secs" mapstructure:"decision_makers_timeout_secs"`
	InsightsTimeoutSecs      int `yaml:"insights_timeout_secs" mapstructure:"insights_timeout_secs"`
	DiscoveryBudgetSecs      int `yaml:"discovery_budget_secs" mapstructure:"discovery_budget_secs"`
	DecisionMakersBudgetSecs int `yaml:"decision_makers_budget_secs" mapstructure:"decision_makers_budget_secs"`
	PersonaCount             int `yaml:"persona_count" mapstructure:"persona_count"`
	MaxContactsPerBusiness   int `yaml:"max_contacts_per_business" mapstructure:"max_contacts_per_business"`
}

// CacheConfig configures the outbound result cache.
type CacheConfig struct {
	TTLHours          int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MaxEntries        int `yaml:"max_entries" mapstructure:"max_entries"`
	RetentionHours    int `yaml:"retention_hours" mapstructure:"retention_hours"`
	PruneIntervalMins int `yaml:"prune_interval_mins" mapstructure:"prune_interval_mins"`
}

// MatchingConfig configures the persona matching engine.
type MatchingConfig struct {
	TieThreshold    float64 `yaml:"tie_threshold" mapstructure:"tie_threshold"`
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelaySecs  int     `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	LockTimeoutSecs int     `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
	LockBackend     string  `yaml:"lock_backend" mapstructure:"lock_backend"`
	DeferMode       string  `yaml:"defer_mode" mapstructure:"defer_mode"`
}

// DispatcherConfig configures the job dispatcher.
type DispatcherConfig struct {
	MaxClaimsPerTick int `yaml:"max_claims_per_tick" mapstructure:"max_claims_per_tick"`
	FailBackoffSecs  int `yaml:"fail_backoff_secs" mapstructure:"fail_backoff_secs"`
	TickBudgetSecs   int `yaml:"tick_budget_secs" mapstructure:"tick_budget_secs"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	StaleAfterMins   int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	JobMaxAttempts   int `yaml:"job_max_attempts" mapstructure:"job_max_attempts"`
}

// MonitoringConfig configures the queue and run health checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeadJobThreshold     int     `yaml:"dead_job_threshold" mapstructure:"dead_job_threshold"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Seconds converts an integer seconds knob to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("google.rate_limit", 10)
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.embed_base_url", "https://api.jina.ai/v1")
	v.SetDefault("jina.embed_model", "jina-embeddings-v3")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("pipeline.max_concurrent", 3)
	v.SetDefault("pipeline.rate_limit_retries", 2)
	v.SetDefault("pipeline.retry_backoff_ms", 500)
	v.SetDefault("pipeline.personas_timeout_secs", 60)
	v.SetDefault("pipeline.discovery_timeout_secs", 180)
	v.SetDefault("pipeline.decision_makers_timeout_secs", 240)
	v.SetDefault("pipeline.insights_timeout_secs", 90)
	v.SetDefault("pipeline.discovery_budget_secs", 120)
	v.SetDefault("pipeline.decision_makers_budget_secs", 180)
	v.SetDefault("pipeline.persona_count", 3)
	v.SetDefault("pipeline.max_contacts_per_business", 3)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.retention_hours", 168)
	v.SetDefault("cache.prune_interval_mins", 10)
	v.SetDefault("matching.tie_threshold", 0.03)
	v.SetDefault("matching.max_attempts", 12)
	v.SetDefault("matching.retry_delay_secs", 5)
	v.SetDefault("matching.lock_timeout_secs", 120)
	v.SetDefault("matching.lock_backend", "memory")
	v.SetDefault("matching.defer_mode", "job")
	v.SetDefault("dispatcher.max_claims_per_tick", 10)
	v.SetDefault("dispatcher.fail_backoff_secs", 30)
	v.SetDefault("dispatcher.tick_budget_secs", 50)
	v.SetDefault("dispatcher.poll_interval_secs", 5)
	v.SetDefault("dispatcher.stale_after_mins", 10)
	v.SetDefault("dispatcher.job_max_attempts", 5)
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.dead_job_threshold", 1)
	v.SetDefault("monitoring.backlog_threshold", 500)

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects strategy selections that no implementation exists for.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	switch c.Embedding.Provider {
	case "local", "jina":
	default:
		return eris.Errorf("config: unsupported embedding provider %q", c.Embedding.Provider)
	}
	switch c.Matching.LockBackend {
	case "memory", "store":
	default:
		return eris.Errorf("config: unsupported lock backend %q", c.Matching.LockBackend)
	}
	switch c.Matching.DeferMode {
	case "job", "local":
	default:
		return eris.Errorf("config: unsupported defer mode %q", c.Matching.DeferMode)
	}
	if c.Matching.TieThreshold < 0 || c.Matching.TieThreshold > 1 {
		return eris.Errorf("config: matching.tie_threshold must be within [0,1], got %v", c.Matching.TieThreshold)
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
