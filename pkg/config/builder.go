package config

import "time"

// BuilderConfig holds runtime configuration for the workspace runner.
type BuilderConfig struct {
	Environment      string
	Addr             string
	LogLevel         string
	DockerHost       string
	Workdir          string
	DefaultImage     string
	GitTimeout       time.Duration
	TaskTimeout      time.Duration
	AuthToken        string
	APIURL           string
	CallbackTimeout  time.Duration
	LogFlushInterval time.Duration
	KeepImages       bool
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("BUILDER_ADDR", ":5000"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		DockerHost:       GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:          GetString("BUILDER_WORKDIR", "/tmp/prebuildd"),
		DefaultImage:     GetString("WORKSPACE_DEFAULT_IMAGE", "gitpod/workspace-full:latest"),
		GitTimeout:       GetSeconds("GIT_TIMEOUT_SECONDS", 120),
		TaskTimeout:      GetSeconds("TASK_TIMEOUT_SECONDS", 3600),
		AuthToken:        GetString("BUILDER_AUTH_TOKEN", ""),
		APIURL:           GetString("API_URL", "http://api:4000"),
		CallbackTimeout:  GetSeconds("CALLBACK_TIMEOUT_SECONDS", 10),
		LogFlushInterval: time.Duration(GetInt("LOG_FLUSH_INTERVAL_MS", 500)) * time.Millisecond,
		KeepImages:       GetBool("KEEP_WORKSPACE_IMAGES", false),
	}
}
