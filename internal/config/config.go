package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds runtime configuration for the completion gateway.
type Config struct {
	HTTPAddr     string        // HTTP listen address (e.g. ":8080"); empty disables HTTP
	GRPCAddr     string        // gRPC listen address (e.g. ":50051"); empty disables gRPC
	VLLMURL      string        // vLLM base URL (e.g. "http://localhost:8000")
	VLLMAPIKey   string        // optional bearer token for vLLM
	VLLMInsecure bool          // skip TLS verification towards vLLM
	Model        string        // model name served by vLLM
	TimeoutMs    int           // timeout of tokenize / model lookups in milliseconds
	APIKey       string        // bearer token required from clients; empty disables auth
	LogLevel     string        // zap level
	OTLPEndpoint string        // OTLP/HTTP collector URL or host:port; empty disables export
	OTLPInterval time.Duration // metric export interval, a Go duration string ("30s")
	OTLPInsecure bool          // export metrics over plain HTTP
}

// keys maps config keys to the environment variables they are read from.
var keys = map[string]string{
	"http_addr":     "HTTP_ADDR",
	"grpc_addr":     "GRPC_ADDR",
	"vllm_url":      "VLLM_URL",
	"vllm_api_key":  "VLLM_API_KEY",
	"vllm_insecure": "VLLM_INSECURE_TLS",
	"model":         "LLM_MODEL",
	"timeout_ms":    "LLM_TIMEOUT_MS",
	"api_key":       "API_KEY",
	"log_level":     "LOG_LEVEL",
	"otlp_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	"otlp_interval": "METRICS_EXPORT_INTERVAL",
	"otlp_insecure": "OTEL_EXPORTER_OTLP_INSECURE",
}

// BindFlags registers the command-line flags that override the environment.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("grpc-addr", "", "gRPC listen address")
	fs.String("vllm-url", "", "vLLM base URL")
	fs.String("model", "", "model name served by vLLM")
	fs.Int("timeout-ms", 0, "timeout of tokenize and model lookups in milliseconds")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
}

var flagKeys = map[string]string{
	"http-addr":  "http_addr",
	"grpc-addr":  "grpc_addr",
	"vllm-url":   "vllm_url",
	"model":      "model",
	"timeout-ms": "timeout_ms",
	"log-level":  "log_level",
}

// Load reads configuration from .env.dev, the environment and, when fs is
// not nil, explicitly set flags (highest precedence).
func Load(fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load(".env.dev")

	v := viper.New()
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":50051")
	v.SetDefault("timeout_ms", 10000)
	v.SetDefault("log_level", "info")
	v.SetDefault("otlp_interval", 15*time.Second)

	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg := &Config{
		HTTPAddr:     v.GetString("http_addr"),
		GRPCAddr:     v.GetString("grpc_addr"),
		VLLMURL:      v.GetString("vllm_url"),
		VLLMAPIKey:   v.GetString("vllm_api_key"),
		VLLMInsecure: v.GetBool("vllm_insecure"),
		Model:        v.GetString("model"),
		TimeoutMs:    v.GetInt("timeout_ms"),
		APIKey:       v.GetString("api_key"),
		LogLevel:     v.GetString("log_level"),
		OTLPEndpoint: v.GetString("otlp_endpoint"),
		OTLPInterval: v.GetDuration("otlp_interval"),
		OTLPInsecure: v.GetBool("otlp_insecure"),
	}

	if cfg.VLLMURL == "" || cfg.Model == "" {
		return nil, errors.New("missing required env: VLLM_URL, LLM_MODEL")
	}
	if cfg.HTTPAddr == "" && cfg.GRPCAddr == "" {
		return nil, errors.New("at least one of HTTP_ADDR, GRPC_ADDR must be set")
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}

	return cfg, nil
}
