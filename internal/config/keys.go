package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCKET_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "DOCKET_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.heartbeat", typ: kDuration, env: "DOCKET_SERVER_HEARTBEAT",
		apply:   func(cfg *Config, v any) { cfg.Server.Heartbeat = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.Heartbeat },
	},
	{
		key: "server.url", typ: kString, env: "DOCKET_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.URL },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCKET_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "DOCKET_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.vision_model", typ: kString, env: "DOCKET_OLLAMA_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.VisionModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCKET_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "DOCKET_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.model", typ: kString, env: "DOCKET_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCKET_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "blob.backend", typ: kString, env: "DOCKET_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.minio_endpoint", typ: kString, env: "DOCKET_MINIO_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Blob.MinioEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.MinioEndpoint },
	},
	{
		key: "blob.minio_access_key", typ: kString, env: "DOCKET_MINIO_ACCESS_KEY",
		apply:   func(cfg *Config, v any) { cfg.Blob.MinioAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.MinioAccessKey },
	},
	{
		key: "blob.minio_secret_key", typ: kString, env: "DOCKET_MINIO_SECRET_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Blob.MinioSecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.MinioSecretKey },
	},
	{
		key: "blob.minio_bucket", typ: kString, env: "DOCKET_MINIO_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Blob.MinioBucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.MinioBucket },
	},
	{
		key: "blob.minio_use_ssl", typ: kBool, env: "DOCKET_MINIO_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Blob.MinioUseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Blob.MinioUseSSL },
	},
	{
		key: "redis.addr", typ: kString, env: "DOCKET_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "DOCKET_REDIS_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "DOCKET_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "redis.prefix", typ: kString, env: "DOCKET_REDIS_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Redis.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Prefix },
	},
	{
		key: "kafka.brokers", typ: kString, env: "DOCKET_KAFKA_BROKERS",
		apply:   func(cfg *Config, v any) { cfg.Kafka.Brokers = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.Brokers },
	},
	{
		key: "kafka.topic", typ: kString, env: "DOCKET_KAFKA_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Kafka.Topic = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.Topic },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "DOCKET_PIPELINE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "pipeline.stage_timeout", typ: kDuration, env: "DOCKET_PIPELINE_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "pipeline.poll_interval", typ: kDuration, env: "DOCKET_PIPELINE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.PollInterval },
	},
	{
		key: "pipeline.chunk_size", typ: kInt, env: "DOCKET_PIPELINE_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ChunkSize },
	},
	{
		key: "pipeline.chunk_overlap", typ: kInt, env: "DOCKET_PIPELINE_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ChunkOverlap },
	},
	{
		key: "pipeline.max_chars", typ: kInt, env: "DOCKET_PIPELINE_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxChars },
	},
	{
		key: "search.threshold", typ: kFloat, env: "DOCKET_SEARCH_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Search.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.Threshold },
	},
	{
		key: "search.max_results", typ: kInt, env: "DOCKET_SEARCH_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxResults },
	},
	{
		key: "search.cache_size", typ: kInt, env: "DOCKET_SEARCH_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.CacheSize },
	},
	{
		key: "search.cache_ttl", typ: kDuration, env: "DOCKET_SEARCH_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.CacheTTL },
	},
	{
		key: "quota.default_tier", typ: kString, env: "DOCKET_QUOTA_DEFAULT_TIER",
		apply:   func(cfg *Config, v any) { cfg.Quota.DefaultTier = v.(string) },
		extract: func(cfg Config) any { return cfg.Quota.DefaultTier },
	},
	{
		key: "quota.check_timeout", typ: kDuration, env: "DOCKET_QUOTA_CHECK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Quota.CheckTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Quota.CheckTimeout },
	},
	{
		key: "quota.tier_cache_ttl", typ: kDuration, env: "DOCKET_QUOTA_TIER_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Quota.TierCacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Quota.TierCacheTTL },
	},
	{
		key: "log.level", typ: kString, env: "DOCKET_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts raw into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

// applyBackend reads non-secret keys from b. Secrets only come from the
// environment. Unparseable values are skipped with a warning.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
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
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring invalid environment value", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
