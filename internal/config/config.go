package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Ingest  IngestConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type IngestConfig struct {
	Workers             int
	ChunkConcurrency    int
	QueueWatermark      int
	BackpressureTimeout string
	MaxRetries          int
	Pattern             string
	ChunkBytes          int

	// Platform and Project are default attribution stamped onto stored
	// entries; the ingest command's flags take precedence over them.
	Platform string
	Project  string
}

type LogConfig struct {
	Level string
	File  string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			Workers:             4,
			ChunkConcurrency:    3,
			QueueWatermark:      1000,
			BackpressureTimeout: "30s",
			MaxRetries:          3,
			Pattern:             "**/*.{md,txt}",
			ChunkBytes:          8192,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, then applies
// ENGRAM_* environment overrides, then validates.
//
// On macOS the backend is UserDefaults (domain: com.engram.app). On Linux
// it is a JSON file at $XDG_CONFIG_HOME/engram/config.json.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The log file default tracks the data dir, which may itself have been
	// overridden above.
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.Storage.DataDir, "engram.log")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError names the first configuration field that failed
// validation, in dotted key form.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Validate checks every field and returns a ValidationError for the first
// invalid one.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Reason: "must be between 1 and 65535"}
	}
	u, err := url.Parse(c.Ollama.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{Field: "ollama.base_url", Reason: "must be an http(s) URL"}
	}
	if c.Storage.DataDir == "" {
		return &ValidationError{Field: "storage.data_dir", Reason: "must not be empty"}
	}
	if c.Ingest.Workers < 1 {
		return &ValidationError{Field: "ingest.workers", Reason: "must be at least 1"}
	}
	if c.Ingest.ChunkConcurrency < 1 {
		return &ValidationError{Field: "ingest.chunk_concurrency", Reason: "must be at least 1"}
	}
	if c.Ingest.QueueWatermark < 1 {
		return &ValidationError{Field: "ingest.queue_watermark", Reason: "must be at least 1"}
	}
	if d, err := time.ParseDuration(c.Ingest.BackpressureTimeout); err != nil || d <= 0 {
		return &ValidationError{Field: "ingest.backpressure_timeout", Reason: "must be a positive duration such as 30s"}
	}
	if c.Ingest.MaxRetries < 0 {
		return &ValidationError{Field: "ingest.max_retries", Reason: "must not be negative"}
	}
	if c.Ingest.Pattern == "" {
		return &ValidationError{Field: "ingest.pattern", Reason: "must not be empty"}
	}
	if c.Ingest.ChunkBytes < 1 {
		return &ValidationError{Field: "ingest.chunk_bytes", Reason: "must be positive"}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Field: "log.level", Reason: "must be one of debug, info, warn, error"}
	}
	return nil
}

// BackpressureDuration returns the parsed backpressure timeout. Validate
// guarantees the configured value parses; on a raw struct it falls back
// to 30s.
func (c IngestConfig) BackpressureDuration() time.Duration {
	d, err := time.ParseDuration(c.BackpressureTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
