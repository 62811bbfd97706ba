package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ENGRAM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ENGRAM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "ENGRAM_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "ENGRAM_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ENGRAM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ingest.workers", typ: kInt, env: "ENGRAM_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.chunk_concurrency", typ: kInt, env: "ENGRAM_INGEST_CHUNK_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkConcurrency },
	},
	{
		key: "ingest.queue_watermark", typ: kInt, env: "ENGRAM_INGEST_QUEUE_WATERMARK",
		apply:   func(cfg *Config, v any) { cfg.Ingest.QueueWatermark = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.QueueWatermark },
	},
	{
		key: "ingest.backpressure_timeout", typ: kString, env: "ENGRAM_INGEST_BACKPRESSURE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BackpressureTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.BackpressureTimeout },
	},
	{
		key: "ingest.max_retries", typ: kInt, env: "ENGRAM_INGEST_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxRetries },
	},
	{
		key: "ingest.pattern", typ: kString, env: "ENGRAM_INGEST_PATTERN",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Pattern = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Pattern },
	},
	{
		key: "ingest.chunk_bytes", typ: kInt, env: "ENGRAM_INGEST_CHUNK_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkBytes },
	},
	{
		key: "ingest.platform", typ: kString, env: "ENGRAM_INGEST_PLATFORM",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Platform = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Platform },
	},
	{
		key: "ingest.project", typ: kString, env: "ENGRAM_INGEST_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Project = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Project },
	},
	{
		key: "log.level", typ: kString, env: "ENGRAM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "ENGRAM_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
