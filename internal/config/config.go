package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Data         DataConfig         `yaml:"data" mapstructure:"data"`
	Catalog      CatalogConfig      `yaml:"catalog" mapstructure:"catalog"`
	Stages       StagesConfig       `yaml:"stages" mapstructure:"stages"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Sources      SourcesConfig      `yaml:"sources" mapstructure:"sources"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Telegram     TelegramConfig     `yaml:"telegram" mapstructure:"telegram"`
	Discord      DiscordConfig      `yaml:"discord" mapstructure:"discord"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Lock         LockConfig         `yaml:"lock" mapstructure:"lock"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// DataConfig locates the on-disk pipeline tree (raw/, processed/, filtered/).
type DataConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
}

// CatalogConfig points at an optional YAML column catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StageConfig controls chunking for one stage.
type StageConfig struct {
	ChunkSize   int           `yaml:"chunk_size" mapstructure:"chunk_size" validate:"gt=0"`
	ChunkDelay  time.Duration `yaml:"chunk_delay" mapstructure:"chunk_delay" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0"`
	// TokenBudget, when set, derives the chunk size from prompt length.
	TokenBudget int `yaml:"token_budget" mapstructure:"token_budget" validate:"gte=0"`
}

// StagesConfig holds per-stage settings.
type StagesConfig struct {
	Process StageConfig `yaml:"process" mapstructure:"process"`
	Alpha   StageConfig `yaml:"alpha" mapstructure:"alpha"`
	Content StageConfig `yaml:"content" mapstructure:"content"`
	News    StageConfig `yaml:"news" mapstructure:"news"`
	Send    StageConfig `yaml:"send" mapstructure:"send"`
}

// LLMConfig configures the primary/fallback providers and their guards.
type LLMConfig struct {
	Primary         string                    `yaml:"primary" mapstructure:"primary" validate:"required"`
	Fallback        string                    `yaml:"fallback" mapstructure:"fallback"`
	PrimaryTimeout  time.Duration             `yaml:"primary_timeout" mapstructure:"primary_timeout" validate:"gt=0"`
	FallbackTimeout time.Duration             `yaml:"fallback_timeout" mapstructure:"fallback_timeout" validate:"gt=0"`
	Temperature     float64                   `yaml:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int                       `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gt=0"`
	Providers       map[string]ProviderConfig `yaml:"providers" mapstructure:"providers" validate:"dive"`
	Retry           RetryConfig               `yaml:"retry" mapstructure:"retry"`
	AlphaRetry      RetryConfig               `yaml:"alpha_retry" mapstructure:"alpha_retry"`
	Breaker         BreakerConfig             `yaml:"breaker" mapstructure:"breaker"`
	AlphaThreshold  float64                   `yaml:"alpha_threshold" mapstructure:"alpha_threshold" validate:"gte=0,lte=1"`
	SemanticDedup   bool                      `yaml:"semantic_dedup" mapstructure:"semantic_dedup"`
}

// ProviderConfig describes one LLM backend.
type ProviderConfig struct {
	// Kind selects the client: openai (any OpenAI-compatible API), anthropic
	// or perplexity.
	Kind      string  `yaml:"kind" mapstructure:"kind" validate:"oneof=openai anthropic perplexity"`
	APIKey    string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Model     string  `yaml:"model" mapstructure:"model"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// RetryConfig mirrors resilience.RetryConfig.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" mapstructure:"backoff_factor"`
}

// BreakerConfig mirrors resilience.CircuitBreakerConfig.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures" mapstructure:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// SourcesConfig configures where the collect stage reads tweets from.
type SourcesConfig struct {
	TwitterAPI TwitterAPIConfig `yaml:"twitterapi" mapstructure:"twitterapi"`
	Columns    []SourceColumn   `yaml:"columns" mapstructure:"columns" validate:"dive"`
	Workers    int              `yaml:"workers" mapstructure:"workers" validate:"gt=0"`
}

// TwitterAPIConfig holds twitterapi.io credentials.
type TwitterAPIConfig struct {
	APIKey    string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxPages  int     `yaml:"max_pages" mapstructure:"max_pages"`
}

// SourceColumn binds a catalog column to a tweet source.
type SourceColumn struct {
	Column  string `yaml:"column" mapstructure:"column" validate:"required"`
	Kind    string `yaml:"kind" mapstructure:"kind" validate:"oneof=list feed"`
	ListID  string `yaml:"list_id" mapstructure:"list_id" validate:"required_if=Kind list"`
	FeedURL string `yaml:"feed_url" mapstructure:"feed_url" validate:"required_if=Kind feed"`
}

// OrchestratorConfig controls scheduling and stage triggers.
type OrchestratorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`
	DailyCron    string        `yaml:"daily_cron" mapstructure:"daily_cron" validate:"required"`
	// Content runs when every category has at least AllMin items or any
	// single category has at least AnyMin.
	ContentAllMin int `yaml:"content_all_min" mapstructure:"content_all_min" validate:"gte=0"`
	ContentAnyMin int `yaml:"content_any_min" mapstructure:"content_any_min" validate:"gte=0"`
	// Same rule for news over the content output.
	NewsAllMin   int           `yaml:"news_all_min" mapstructure:"news_all_min" validate:"gte=0"`
	NewsAnyMin   int           `yaml:"news_any_min" mapstructure:"news_any_min" validate:"gte=0"`
	DatePause    time.Duration `yaml:"date_pause" mapstructure:"date_pause" validate:"gte=0"`
	CollectDaily bool          `yaml:"collect_daily" mapstructure:"collect_daily"`
	// RetentionDays bounds how long raw/ and processed/ date directories
	// are kept. Zero keeps everything.
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days" validate:"gte=0"`
	CleanupCron   string `yaml:"cleanup_cron" mapstructure:"cleanup_cron"`
}

// TelegramConfig configures the Telegram sender.
type TelegramConfig struct {
	BotToken string            `yaml:"bot_token" mapstructure:"bot_token"`
	BaseURL  string            `yaml:"base_url" mapstructure:"base_url"`
	Channels map[string]string `yaml:"channels" mapstructure:"channels"`
}

// DiscordConfig configures the Discord webhook sender.
type DiscordConfig struct {
	Webhooks map[string]string `yaml:"webhooks" mapstructure:"webhooks"`
}

// StoreConfig configures the run ledger database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres none"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LockConfig configures the cross-process stage lock.
type LockConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver" validate:"oneof=memory redis"`
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"gt=0"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port" validate:"gt=0,lt=65536"`
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the health checker that posts alerts to a
// webhook. An empty WebhookURL disables it.
type MonitoringConfig struct {
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackHours        int           `yaml:"lookback_hours" mapstructure:"lookback_hours" validate:"gte=0"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	// StallAfter flags a stage whose unfinished checkpoint has not moved
	// for this long. Zero disables the check.
	StallAfter time.Duration `yaml:"stall_after" mapstructure:"stall_after" validate:"gte=0"`
	// RepeatAfter suppresses an alert type that was already sent within
	// this window.
	RepeatAfter time.Duration `yaml:"repeat_after" mapstructure:"repeat_after" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.dir", "data")
	v.SetDefault("catalog.path", "")

	v.SetDefault("stages.process.chunk_size", 50)
	v.SetDefault("stages.process.chunk_delay", "0s")
	v.SetDefault("stages.alpha.chunk_size", 5)
	v.SetDefault("stages.alpha.chunk_delay", "2s")
	v.SetDefault("stages.content.chunk_size", 10)
	v.SetDefault("stages.content.chunk_delay", "2s")
	v.SetDefault("stages.content.token_budget", 0)
	v.SetDefault("stages.news.chunk_size", 1)
	v.SetDefault("stages.news.chunk_delay", "2s")
	v.SetDefault("stages.send.chunk_size", 1)
	v.SetDefault("stages.send.chunk_delay", "1s")

	v.SetDefault("llm.primary", "deepseek")
	v.SetDefault("llm.fallback", "openai")
	v.SetDefault("llm.primary_timeout", "3s")
	v.SetDefault("llm.fallback_timeout", "10s")
	v.SetDefault("llm.temperature", 0.5)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.alpha_threshold", 0.6)
	v.SetDefault("llm.semantic_dedup", true)
	v.SetDefault("llm.providers.deepseek.kind", "openai")
	v.SetDefault("llm.providers.deepseek.api_key", "")
	v.SetDefault("llm.providers.deepseek.base_url", "https://api.deepseek.com")
	v.SetDefault("llm.providers.deepseek.model", "deepseek-chat")
	v.SetDefault("llm.providers.deepseek.rate_limit", 5)
	v.SetDefault("llm.providers.openai.kind", "openai")
	v.SetDefault("llm.providers.openai.api_key", "")
	v.SetDefault("llm.providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.providers.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.providers.openai.rate_limit", 5)
	v.SetDefault("llm.retry.max_attempts", 3)
	v.SetDefault("llm.retry.base_delay", "1s")
	v.SetDefault("llm.retry.max_delay", "30s")
	v.SetDefault("llm.retry.backoff_factor", 2.0)
	v.SetDefault("llm.alpha_retry.max_attempts", 3)
	v.SetDefault("llm.alpha_retry.base_delay", "2s")
	v.SetDefault("llm.alpha_retry.max_delay", "30s")
	v.SetDefault("llm.alpha_retry.backoff_factor", 2.0)
	v.SetDefault("llm.breaker.max_failures", 5)
	v.SetDefault("llm.breaker.reset_timeout", "60s")

	v.SetDefault("sources.workers", 5)
	v.SetDefault("sources.twitterapi.api_key", "")
	v.SetDefault("sources.twitterapi.base_url", "https://api.twitterapi.io")
	v.SetDefault("sources.twitterapi.rate_limit", 1.0)
	v.SetDefault("sources.twitterapi.max_pages", 20)

	v.SetDefault("orchestrator.poll_interval", "5m")
	v.SetDefault("orchestrator.daily_cron", "0 4 * * *")
	v.SetDefault("orchestrator.content_all_min", 15)
	v.SetDefault("orchestrator.content_any_min", 40)
	v.SetDefault("orchestrator.news_all_min", 10)
	v.SetDefault("orchestrator.news_any_min", 15)
	v.SetDefault("orchestrator.retention_days", 14)
	v.SetDefault("orchestrator.cleanup_cron", "@hourly")
	v.SetDefault("orchestrator.date_pause", "5s")
	v.SetDefault("orchestrator.collect_daily", true)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.base_url", "https://api.telegram.org")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("lock.driver", "memory")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.ttl", "2h")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stall_after", "6h")
	v.SetDefault("monitoring.repeat_after", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks field constraints and cross-field references.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return eris.Wrap(err, "config: invalid")
	}
	if _, ok := c.LLM.Providers[c.LLM.Primary]; !ok {
		return eris.Errorf("config: primary provider %q is not configured under llm.providers", c.LLM.Primary)
	}
	if c.LLM.Fallback != "" {
		if _, ok := c.LLM.Providers[c.LLM.Fallback]; !ok {
			return eris.Errorf("config: fallback provider %q is not configured under llm.providers", c.LLM.Fallback)
		}
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
