package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Zitadel    ZitadelConfig
	Gateway    GatewayConfig
	RateLimit  RateLimitConfig
	Workflow   WorkflowConfig
	Generation GenerationConfig
	Pricing    PricingConfig
	R2         R2Config
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

// RedisConfig enables the shared rendezvous store, the watchdog worker and
// rate limiting. An empty Addr runs the service single-instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	GeneratePerHour int
}

// WorkflowConfig describes the external automation engine.
type WorkflowConfig struct {
	QuickAdsURL      string
	CustomizedAdsURL string
	Secret           string
	SecretHeader     string
	CallbackBaseURL  string
	CallbackSecret   string
	DispatchTimeout  time.Duration
}

// GenerationConfig bounds the orchestrator's waits.
type GenerationConfig struct {
	MaxWait       time.Duration
	InitialDelay  time.Duration
	PollInterval  time.Duration
	TTLBuffer     time.Duration
	WatchdogGrace time.Duration
	SweepCron     string
}

type PricingConfig struct {
	SingleFormatTokens int
	MultiFormatTokens  int
	HideOnFreePlan     bool
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_DSN")
	readSecret("JWT_SECRET")
	readSecret("WORKFLOW_SECRET")
	readSecret("WORKFLOW_CALLBACK_SECRET")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = v.BindEnv("workflow.quick_ads_url", "WORKFLOW_QUICK_ADS_URL")
	_ = v.BindEnv("workflow.customized_ads_url", "WORKFLOW_CUSTOMIZED_ADS_URL")
	_ = v.BindEnv("workflow.secret", "WORKFLOW_SECRET")
	_ = v.BindEnv("workflow.secret_header", "WORKFLOW_SECRET_HEADER")
	_ = v.BindEnv("workflow.callback_base_url", "WORKFLOW_CALLBACK_BASE_URL")
	_ = v.BindEnv("workflow.callback_secret", "WORKFLOW_CALLBACK_SECRET")
	_ = v.BindEnv("workflow.dispatch_timeout", "WORKFLOW_DISPATCH_TIMEOUT")
	_ = v.BindEnv("generation.max_wait", "GENERATION_MAX_WAIT")
	_ = v.BindEnv("generation.initial_delay", "GENERATION_INITIAL_DELAY")
	_ = v.BindEnv("generation.poll_interval", "GENERATION_POLL_INTERVAL")
	_ = v.BindEnv("generation.ttl_buffer", "GENERATION_TTL_BUFFER")
	_ = v.BindEnv("generation.watchdog_grace", "GENERATION_WATCHDOG_GRACE")
	_ = v.BindEnv("generation.sweep_cron", "GENERATION_SWEEP_CRON")
	_ = v.BindEnv("pricing.single_format_tokens", "PRICING_SINGLE_FORMAT_TOKENS")
	_ = v.BindEnv("pricing.multi_format_tokens", "PRICING_MULTI_FORMAT_TOKENS")
	_ = v.BindEnv("pricing.hide_on_free_plan", "PRICING_HIDE_ON_FREE_PLAN")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:adforge.db?_busy_timeout=5000")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.generate_per_hour", 30)

	// Workflow engine defaults
	v.SetDefault("workflow.secret_header", "X-Webhook-Secret")
	v.SetDefault("workflow.callback_base_url", "http://localhost:8000")
	v.SetDefault("workflow.dispatch_timeout", 30*time.Second)

	// Generation defaults
	v.SetDefault("generation.max_wait", 7*time.Minute)
	v.SetDefault("generation.initial_delay", 20*time.Second)
	v.SetDefault("generation.poll_interval", 2*time.Second)
	v.SetDefault("generation.ttl_buffer", time.Minute)
	v.SetDefault("generation.watchdog_grace", 2*time.Minute)
	v.SetDefault("generation.sweep_cron", "@every 5m")

	// Pricing defaults
	v.SetDefault("pricing.single_format_tokens", 50)
	v.SetDefault("pricing.multi_format_tokens", 80)
	v.SetDefault("pricing.hide_on_free_plan", true)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
		},
		Workflow: WorkflowConfig{
			QuickAdsURL:      v.GetString("workflow.quick_ads_url"),
			CustomizedAdsURL: v.GetString("workflow.customized_ads_url"),
			Secret:           v.GetString("workflow.secret"),
			SecretHeader:     v.GetString("workflow.secret_header"),
			CallbackBaseURL:  strings.TrimRight(v.GetString("workflow.callback_base_url"), "/"),
			CallbackSecret:   v.GetString("workflow.callback_secret"),
			DispatchTimeout:  v.GetDuration("workflow.dispatch_timeout"),
		},
		Generation: GenerationConfig{
			MaxWait:       v.GetDuration("generation.max_wait"),
			InitialDelay:  v.GetDuration("generation.initial_delay"),
			PollInterval:  v.GetDuration("generation.poll_interval"),
			TTLBuffer:     v.GetDuration("generation.ttl_buffer"),
			WatchdogGrace: v.GetDuration("generation.watchdog_grace"),
			SweepCron:     v.GetString("generation.sweep_cron"),
		},
		Pricing: PricingConfig{
			SingleFormatTokens: v.GetInt("pricing.single_format_tokens"),
			MultiFormatTokens:  v.GetInt("pricing.multi_format_tokens"),
			HideOnFreePlan:     v.GetBool("pricing.hide_on_free_plan"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
	}

	return cfg, nil
}
