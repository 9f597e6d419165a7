package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the dialogue service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowedOrigins   []string

	LogLevel  string
	LogFormat string
	LogCaller bool

	ProjectsFile string

	SessionScope           string
	SessionHistoryCapacity int
	SessionIdleTTL         time.Duration
	TurnCallTimeout        time.Duration

	LLMMode       string
	LLMModel      string
	LLMHTTPURL    string
	LLMMaxRetries int
	// LLMMockFallback lets LLM_MODE=auto fall back to the echo mock.
	LLMMockFallback bool
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GoogleAPIKey  string

	EmbeddingProvider string
	EmbeddingModel    string

	DatabaseURL string
}

// ConfigFileEnv names an optional YAML/JSON/TOML file whose keys mirror the env keys.
const ConfigFileEnv = "CONCIERGE_CONFIG"

var defaults = map[string]any{
	"APP_BIND_ADDR":            ":8080",
	"APP_SHUTDOWN_TIMEOUT":     "15s",
	"APP_METRICS_NAMESPACE":    "concierge",
	"APP_ALLOWED_ORIGINS":      "http://localhost:3000",
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "text",
	"LOG_CALLER":               "false",
	"PROJECTS_FILE":            "",
	"SESSION_SCOPE":            "project",
	"SESSION_HISTORY_CAPACITY": "20",
	"SESSION_IDLE_TTL":         "0s",
	"TURN_CALL_TIMEOUT":        "30s",
	"LLM_MODE":                 "auto",
	"LLM_MODEL":                "",
	"LLM_HTTP_URL":             "",
	"LLM_MAX_RETRIES":          "0",
	"LLM_MOCK_FALLBACK":        "false",
	"OPENAI_API_KEY":           "",
	"OPENAI_BASE_URL":          "",
	"GOOGLE_API_KEY":           "",
	"EMBEDDING_PROVIDER":       "",
	"EMBEDDING_MODEL":          "",
	"DATABASE_URL":             "",
}

// Load reads environment variables (and the optional config file) and applies safe defaults.
func Load() (Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		BindAddr:          str(v, "APP_BIND_ADDR"),
		MetricsNamespace:  str(v, "APP_METRICS_NAMESPACE"),
		AllowedOrigins:    splitList(str(v, "APP_ALLOWED_ORIGINS")),
		LogLevel:          strings.ToLower(str(v, "LOG_LEVEL")),
		LogFormat:         strings.ToLower(str(v, "LOG_FORMAT")),
		ProjectsFile:      str(v, "PROJECTS_FILE"),
		SessionScope:      strings.ToLower(str(v, "SESSION_SCOPE")),
		LLMMode:           strings.ToLower(str(v, "LLM_MODE")),
		LLMModel:          str(v, "LLM_MODEL"),
		LLMHTTPURL:        str(v, "LLM_HTTP_URL"),
		OpenAIAPIKey:      str(v, "OPENAI_API_KEY"),
		OpenAIBaseURL:     str(v, "OPENAI_BASE_URL"),
		GoogleAPIKey:      str(v, "GOOGLE_API_KEY"),
		EmbeddingProvider: strings.ToLower(str(v, "EMBEDDING_PROVIDER")),
		EmbeddingModel:    str(v, "EMBEDDING_MODEL"),
		DatabaseURL:       str(v, "DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFrom(v, "APP_SHUTDOWN_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTTL, err = durationFrom(v, "SESSION_IDLE_TTL"); err != nil {
		return Config{}, err
	}
	if cfg.TurnCallTimeout, err = durationFrom(v, "TURN_CALL_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.SessionHistoryCapacity, err = intFrom(v, "SESSION_HISTORY_CAPACITY"); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxRetries, err = intFrom(v, "LLM_MAX_RETRIES"); err != nil {
		return Config{}, err
	}
	if cfg.LogCaller, err = boolFrom(v, "LOG_CALLER"); err != nil {
		return Config{}, err
	}
	if cfg.LLMMockFallback, err = boolFrom(v, "LLM_MOCK_FALLBACK"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionHistoryCapacity < 2 {
		return fmt.Errorf("SESSION_HISTORY_CAPACITY must be at least 2")
	}
	if c.SessionIdleTTL < 0 || (c.SessionIdleTTL > 0 && c.SessionIdleTTL < 5*time.Second) {
		return fmt.Errorf("SESSION_IDLE_TTL must be 0 (never) or at least 5s")
	}
	if c.TurnCallTimeout <= 0 {
		return fmt.Errorf("TURN_CALL_TIMEOUT must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.LLMMaxRetries < 0 || c.LLMMaxRetries > 5 {
		return fmt.Errorf("LLM_MAX_RETRIES must be in [0,5]")
	}
	switch c.SessionScope {
	case "project", "user":
	default:
		return fmt.Errorf("SESSION_SCOPE must be project or user, got %q", c.SessionScope)
	}
	switch c.LLMMode {
	case "auto", "openai", "gemini", "http", "mock":
	default:
		return fmt.Errorf("LLM_MODE must be one of auto|openai|gemini|http|mock, got %q", c.LLMMode)
	}
	switch c.EmbeddingProvider {
	case "", "none", "openai", "gemini", "genai":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be empty, openai or gemini, got %q", c.EmbeddingProvider)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFrom(v *viper.Viper, key string) (time.Duration, error) {
	raw := str(v, key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFrom(v *viper.Viper, key string) (int, error) {
	raw := str(v, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFrom(v *viper.Viper, key string) (bool, error) {
	raw := str(v, key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s parse error: %w", key, err)
	}
	return b, nil
}
