package config

import (
	"encoding/json"
	"log"
	"time"
)

// PrebuildRateLimit caps how many unaborted prebuilds a clone URL may start
// within Period seconds.
type PrebuildRateLimit struct {
	Limit  int `json:"limit"`
	Period int `json:"period"`
}

// DefaultPrebuildRateLimitKey is the fallback entry used for clone URLs without
// a dedicated limit.
const DefaultPrebuildRateLimitKey = "*"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment         string
	Addr                string
	LogLevel            string
	DatabaseURL         string
	JWTSecret           string
	SecretEncryptionKey string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	BuilderURL          string
	BuilderAuthToken    string
	BuilderTimeout      time.Duration
	WSBuffer            int
	GitHubWebhookSecret string
	GitHubAppID         string
	GitHubAppKeyFile    string
	GitHubAPIURL        string
	PublicURL           string
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int

	PrebuildRateLimits              map[string]PrebuildRateLimit
	IncrementalPrebuildsPasslist    []string
	InactivityPeriodForReposDays    int
	InactivityPeriodForProjectsDays int
	PrebuildTimeout                 time.Duration
	ReaperInterval                  time.Duration

	SCMHosts     []string
	SCMCacheDir  string
	GitTimeout   time.Duration
	DefaultImage string

	TracingEndpoint   string
	TracingSampleRate float64
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://prebuildd:prebuildd@db:5432/prebuildd?sslmode=disable"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),
		AccessTokenTTL:      time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:     time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		BuilderURL:          GetString("BUILDER_URL", "http://builder:5000"),
		BuilderAuthToken:    GetString("BUILDER_AUTH_TOKEN", ""),
		BuilderTimeout:      GetSeconds("BUILDER_TIMEOUT_SECONDS", 15),
		WSBuffer:            GetInt("WS_BUFFER", 100),
		GitHubWebhookSecret: GetString("GITHUB_WEBHOOK_SECRET", ""),
		GitHubAppID:         GetString("GITHUB_APP_ID", ""),
		GitHubAppKeyFile:    GetString("GITHUB_APP_PRIVATE_KEY_PATH", ""),
		GitHubAPIURL:        GetString("GITHUB_API_URL", "https://api.github.com"),
		PublicURL:           GetString("PUBLIC_URL", ""),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),

		PrebuildRateLimits:              parseRateLimits(GetString("PREBUILD_RATE_LIMITS", "")),
		IncrementalPrebuildsPasslist:    GetList("INCREMENTAL_PREBUILDS_REPOSITORY_PASSLIST", nil),
		InactivityPeriodForReposDays:    GetInt("INACTIVITY_PERIOD_FOR_REPOS_DAYS", 0),
		InactivityPeriodForProjectsDays: GetInt("INACTIVITY_PERIOD_FOR_PROJECTS_DAYS", 7),
		PrebuildTimeout:                 time.Duration(GetInt("PREBUILD_TIMEOUT_MINUTES", 60)) * time.Minute,
		ReaperInterval:                  GetSeconds("PREBUILD_REAPER_SECONDS", 60),

		SCMHosts:     GetList("SCM_HOSTS", []string{"github.com", "gitlab.com", "bitbucket.org"}),
		SCMCacheDir:  GetString("SCM_CACHE_DIR", "/var/cache/prebuildd/git"),
		GitTimeout:   GetSeconds("GIT_TIMEOUT_SECONDS", 60),
		DefaultImage: GetString("WORKSPACE_DEFAULT_IMAGE", "gitpod/workspace-full:latest"),

		TracingEndpoint:   GetString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TracingSampleRate: GetFloat("OTEL_SAMPLE_RATE", 1),
	}
}

// RateLimitFor returns the limit configured for cloneURL, falling back to the
// "*" entry.
func (c APIConfig) RateLimitFor(cloneURL string) PrebuildRateLimit {
	if l, ok := c.PrebuildRateLimits[cloneURL]; ok {
		return l
	}
	if l, ok := c.PrebuildRateLimits[DefaultPrebuildRateLimitKey]; ok {
		return l
	}
	return defaultRateLimit
}

var defaultRateLimit = PrebuildRateLimit{Limit: 50, Period: 50}

func parseRateLimits(raw string) map[string]PrebuildRateLimit {
	limits := map[string]PrebuildRateLimit{DefaultPrebuildRateLimitKey: defaultRateLimit}
	if raw == "" {
		return limits
	}
	parsed := map[string]PrebuildRateLimit{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		log.Printf("invalid value for PREBUILD_RATE_LIMITS: %v", err)
		return limits
	}
	for k, v := range parsed {
		limits[k] = v
	}
	return limits
}
