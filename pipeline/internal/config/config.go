package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr            string
	Env             string
	DatabaseURL     string
	MemoryStore     bool
	LogLevel        string
	StateSecret     string
	APISecret       string
	AllowDebugToken bool
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	OAuthRedirectURL   string
	RedditAuthURL      string
	RedditTokenURL     string
	RedditRevokeURL    string
	RedditAPIBase      string
	RedditUserAgent    string
	RedditScopes       []string
	RedditRequestsPerM int

	GeneratorURL     string
	GeneratorTimeout time.Duration
	GeneratorRetries int

	KafkaBrokers []string
	KafkaTopic   string

	S3Bucket string
	S3Prefix string

	ScanInterval    time.Duration
	ScanConcurrency int
	DispatchTick    time.Duration
	CooldownFloor   time.Duration
	AdapterTimeout  time.Duration
	RunWorkers      bool
}

const (
	defaultAddr            = ":8071"
	defaultRedditAuthURL   = "https://www.reddit.com/api/v1/authorize"
	defaultRedditTokenURL  = "https://www.reddit.com/api/v1/access_token"
	defaultRedditRevokeURL = "https://www.reddit.com/api/v1/revoke_token"
	defaultRedditAPIBase   = "https://oauth.reddit.com"
	defaultRedditUserAgent = "engagement-pipeline/1.0"
	defaultRedditRPM       = 60
	defaultKafkaTopic      = "engagement.events"
	defaultScanInterval    = 15 * time.Minute
	defaultScanConcurrency = 4
	defaultDispatchTick    = 30 * time.Second
	defaultCooldownFloor   = 2 * time.Minute
	defaultAdapterTimeout  = 20 * time.Second
	defaultGenTimeout      = 30 * time.Second
)

var defaultRedditScopes = []string{"identity", "read", "submit", "vote", "history"}

func Load() (Config, error) {
	cfg := Config{
		Addr:            getEnv("PIPELINE_ADDR", defaultAddr),
		Env:             getEnv("NODE_ENV", "development"),
		DatabaseURL:     firstNonEmpty(os.Getenv("PIPELINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		MemoryStore:     getBool("PIPELINE_MEMORY_STORE", false),
		LogLevel:        os.Getenv("PIPELINE_LOG_LEVEL"),
		StateSecret:     os.Getenv("PIPELINE_STATE_SECRET"),
		APISecret:       os.Getenv("PIPELINE_API_SECRET"),
		AllowDebugToken: getBool("PIPELINE_ALLOW_DEBUG_TOKEN", false),
		RedisAddr:       os.Getenv("PIPELINE_REDIS_ADDR"),
		RedisPassword:   os.Getenv("PIPELINE_REDIS_PASSWORD"),
		RedisDB:         getInt("PIPELINE_REDIS_DB", 0),

		OAuthRedirectURL:   os.Getenv("PIPELINE_OAUTH_REDIRECT_URL"),
		RedditAuthURL:      getEnv("PIPELINE_REDDIT_AUTH_URL", defaultRedditAuthURL),
		RedditTokenURL:     getEnv("PIPELINE_REDDIT_TOKEN_URL", defaultRedditTokenURL),
		RedditRevokeURL:    getEnv("PIPELINE_REDDIT_REVOKE_URL", defaultRedditRevokeURL),
		RedditAPIBase:      getEnv("PIPELINE_REDDIT_API_BASE", defaultRedditAPIBase),
		RedditUserAgent:    getEnv("PIPELINE_REDDIT_USER_AGENT", defaultRedditUserAgent),
		RedditScopes:       getList("PIPELINE_REDDIT_SCOPES", defaultRedditScopes),
		RedditRequestsPerM: getInt("PIPELINE_REDDIT_REQUESTS_PER_MINUTE", defaultRedditRPM),

		GeneratorURL:     os.Getenv("PIPELINE_GENERATOR_URL"),
		GeneratorTimeout: getDuration("PIPELINE_GENERATOR_TIMEOUT", defaultGenTimeout),
		GeneratorRetries: getInt("PIPELINE_GENERATOR_RETRIES", 2),

		KafkaBrokers: getList("PIPELINE_KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("PIPELINE_KAFKA_TOPIC", defaultKafkaTopic),

		S3Bucket: os.Getenv("PIPELINE_S3_BUCKET"),
		S3Prefix: os.Getenv("PIPELINE_S3_PREFIX"),

		ScanInterval:    getDuration("PIPELINE_SCAN_INTERVAL", defaultScanInterval),
		ScanConcurrency: getInt("PIPELINE_SCAN_CONCURRENCY", defaultScanConcurrency),
		DispatchTick:    getDuration("PIPELINE_DISPATCH_TICK", defaultDispatchTick),
		CooldownFloor:   getDuration("PIPELINE_COOLDOWN_FLOOR", defaultCooldownFloor),
		AdapterTimeout:  getDuration("PIPELINE_ADAPTER_TIMEOUT", defaultAdapterTimeout),
		RunWorkers:      getBool("PIPELINE_RUN_WORKERS", true),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Production() bool {
	return c.Env == "production"
}

func (c Config) validate() error {
	if c.DatabaseURL == "" && !c.MemoryStore {
		return fmt.Errorf("DATABASE_URL or PIPELINE_DATABASE_URL required (or PIPELINE_MEMORY_STORE=true)")
	}
	if c.StateSecret == "" {
		return fmt.Errorf("PIPELINE_STATE_SECRET required")
	}
	if c.APISecret == "" && !c.AllowDebugToken {
		return fmt.Errorf("PIPELINE_API_SECRET required when PIPELINE_ALLOW_DEBUG_TOKEN is unset")
	}
	if c.OAuthRedirectURL == "" {
		return fmt.Errorf("PIPELINE_OAUTH_REDIRECT_URL required")
	}
	if c.Production() {
		if c.AllowDebugToken {
			return fmt.Errorf("PIPELINE_ALLOW_DEBUG_TOKEN is forbidden in production")
		}
		if c.MemoryStore {
			return fmt.Errorf("PIPELINE_MEMORY_STORE is forbidden in production")
		}
	}
	if c.RedditRequestsPerM <= 0 {
		return fmt.Errorf("PIPELINE_REDDIT_REQUESTS_PER_MINUTE must be positive")
	}
	if c.CooldownFloor < 0 {
		return fmt.Errorf("PIPELINE_COOLDOWN_FLOOR must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
