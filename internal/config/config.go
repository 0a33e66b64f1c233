package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	JWT       JWTConfig
	JWKS      JWKSConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Supabase  SupabaseConfig
	Storage   StorageConfig
	R2        R2Config
	Atlas     AtlasConfig
	Civitai   CivitaiConfig
	Stripe    StripeConfig
	Polling   PollingConfig
	Credits   CreditsConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
}

type LogConfig struct {
	Level      string
	Format     string // console or json
	File       string // empty logs to stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the Supabase project JWT secret used for HS256 tokens.
type JWTConfig struct {
	Secret string
}

// JWKSConfig enables asymmetric token verification against an OIDC issuer.
type JWKSConfig struct {
	Issuer   string
	Audience string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	GeneratePerMin int
	StatusPerMin   int
}

type SupabaseConfig struct {
	URL        string
	ServiceKey string
}

// StorageConfig selects the blob backend used by the media relay.
type StorageConfig struct {
	Backend string // supabase or r2
	Bucket  string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type AtlasConfig struct {
	APIKey  string
	BaseURL string
	Timeout int // seconds
}

type CivitaiConfig struct {
	Token         string
	BaseURL       string
	Timeout       int // seconds
	PartialPolicy string
}

type StripeConfig struct {
	SecretKey string
}

type PollingConfig struct {
	Interval  time.Duration
	MaxErrors int
}

type CreditsConfig struct {
	FreeCreationTiers []string
	DefaultGems       int
	DefaultCrystals   int
	SettleTTL         time.Duration
}

func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("SUPABASE_SERVICE_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ATLAS_API_KEY")
	readSecret("CIVITAI_TOKEN")
	readSecret("STRIPE_SECRET_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
	_ = v.BindEnv("log.file", "LOG_FILE")
	_ = v.BindEnv("log.max_size_mb", "LOG_MAX_SIZE_MB")
	_ = v.BindEnv("log.max_backups", "LOG_MAX_BACKUPS")
	_ = v.BindEnv("log.max_age_days", "LOG_MAX_AGE_DAYS")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwks.issuer", "JWKS_ISSUER")
	_ = v.BindEnv("jwks.audience", "JWKS_AUDIENCE")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.generate_per_min", "RATELIMIT_GENERATE_PER_MIN")
	_ = v.BindEnv("ratelimit.status_per_min", "RATELIMIT_STATUS_PER_MIN")
	_ = v.BindEnv("supabase.url", "SUPABASE_URL")
	_ = v.BindEnv("supabase.service_key", "SUPABASE_SERVICE_KEY")
	_ = v.BindEnv("storage.backend", "STORAGE_BACKEND")
	_ = v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("atlas.api_key", "ATLAS_API_KEY")
	_ = v.BindEnv("atlas.base_url", "ATLAS_BASE_URL")
	_ = v.BindEnv("atlas.timeout", "ATLAS_TIMEOUT")
	_ = v.BindEnv("civitai.token", "CIVITAI_TOKEN")
	_ = v.BindEnv("civitai.base_url", "CIVITAI_BASE_URL")
	_ = v.BindEnv("civitai.timeout", "CIVITAI_TIMEOUT")
	_ = v.BindEnv("civitai.partial_policy", "CIVITAI_PARTIAL_POLICY")
	_ = v.BindEnv("stripe.secret_key", "STRIPE_SECRET_KEY")
	_ = v.BindEnv("polling.interval", "POLL_INTERVAL")
	_ = v.BindEnv("polling.max_errors", "POLL_MAX_ERRORS")
	_ = v.BindEnv("credits.free_creation_tiers", "FREE_CREATION_TIERS")
	_ = v.BindEnv("credits.default_gems", "DEFAULT_GEMS")
	_ = v.BindEnv("credits.default_crystals", "DEFAULT_CRYSTALS")
	_ = v.BindEnv("credits.settle_ttl", "SETTLE_TTL")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.generate_per_min", 20)
	v.SetDefault("ratelimit.status_per_min", 120)
	v.SetDefault("storage.backend", "supabase")
	v.SetDefault("storage.bucket", "generations")

	// Provider defaults
	v.SetDefault("atlas.base_url", "https://api.atlascloud.ai")
	v.SetDefault("atlas.timeout", 120)
	v.SetDefault("civitai.base_url", "https://orchestration.civitai.com")
	v.SetDefault("civitai.timeout", 60)
	v.SetDefault("civitai.partial_policy", "all_or_nothing")

	// Polling defaults match the client orchestrator cadence
	v.SetDefault("polling.interval", "3s")
	v.SetDefault("polling.max_errors", 10)

	v.SetDefault("credits.free_creation_tiers", []string{"pro", "studio"})
	v.SetDefault("credits.default_gems", 100)
	v.SetDefault("credits.default_crystals", 50)
	v.SetDefault("credits.settle_ttl", "720h")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		JWKS: JWKSConfig{
			Issuer:   v.GetString("jwks.issuer"),
			Audience: v.GetString("jwks.audience"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerMin: v.GetInt("ratelimit.generate_per_min"),
			StatusPerMin:   v.GetInt("ratelimit.status_per_min"),
		},
		Supabase: SupabaseConfig{
			URL:        v.GetString("supabase.url"),
			ServiceKey: v.GetString("supabase.service_key"),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(v.GetString("storage.backend")),
			Bucket:  v.GetString("storage.bucket"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Atlas: AtlasConfig{
			APIKey:  v.GetString("atlas.api_key"),
			BaseURL: v.GetString("atlas.base_url"),
			Timeout: v.GetInt("atlas.timeout"),
		},
		Civitai: CivitaiConfig{
			Token:         v.GetString("civitai.token"),
			BaseURL:       v.GetString("civitai.base_url"),
			Timeout:       v.GetInt("civitai.timeout"),
			PartialPolicy: strings.ToLower(v.GetString("civitai.partial_policy")),
		},
		Stripe: StripeConfig{
			SecretKey: v.GetString("stripe.secret_key"),
		},
		Polling: PollingConfig{
			Interval:  v.GetDuration("polling.interval"),
			MaxErrors: v.GetInt("polling.max_errors"),
		},
		Credits: CreditsConfig{
			FreeCreationTiers: splitList(v.GetStringSlice("credits.free_creation_tiers")),
			DefaultGems:       v.GetInt("credits.default_gems"),
			DefaultCrystals:   v.GetInt("credits.default_crystals"),
			SettleTTL:         v.GetDuration("credits.settle_ttl"),
		},
	}

	return cfg, nil
}

// splitList normalizes slices coming from either YAML lists or a
// comma-separated env var, which viper hands back as a single element.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, strings.ToLower(part))
			}
		}
	}
	return out
}
