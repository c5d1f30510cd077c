package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	Storage    StorageConfig
	Blob       BlobConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Pipeline   PipelineConfig
	Search     SearchConfig
	Quota      QuotaConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port      int
	Token     string
	Heartbeat time.Duration
	// URL is where client commands reach a running server.
	URL string
}

type OllamaConfig struct {
	BaseURL     string
	ChatModel   string
	VisionModel string
	EmbedModel  string
}

type OpenRouterConfig struct {
	APIKey string
	Model  string
}

type StorageConfig struct {
	DataDir string
}

// BlobConfig selects where uploaded bytes live: "file" under the data
// directory or "minio" in an S3-compatible bucket.
type BlobConfig struct {
	Backend        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// RedisConfig enables shared quota counters and cross-process progress
// events when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// KafkaConfig mirrors progress events to a topic when Brokers is set.
type KafkaConfig struct {
	Brokers string
	Topic   string
}

type PipelineConfig struct {
	Workers      int
	StageTimeout time.Duration
	PollInterval time.Duration
	ChunkSize    int
	ChunkOverlap int
	MaxChars     int
}

type SearchConfig struct {
	Threshold  float64
	MaxResults int
	CacheSize  int
	CacheTTL   time.Duration
}

type QuotaConfig struct {
	DefaultTier  string
	CheckTimeout time.Duration
	TierCacheTTL time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      4000,
			Heartbeat: 15 * time.Second,
			URL:       "http://localhost:4000",
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			ChatModel:   "mistral-nemo",
			VisionModel: "llava",
			EmbedModel:  "nomic-embed-text",
		},
		OpenRouter: OpenRouterConfig{
			Model: "anthropic/claude-sonnet-4",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Blob: BlobConfig{
			Backend:     "file",
			MinioBucket: "docket",
		},
		Redis: RedisConfig{
			Prefix: "docket",
		},
		Kafka: KafkaConfig{
			Topic: "docket.progress",
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			StageTimeout: 5 * time.Minute,
			PollInterval: time.Second,
			ChunkSize:    1200,
			ChunkOverlap: 200,
			MaxChars:     24000,
		},
		Search: SearchConfig{
			Threshold:  0.6,
			MaxResults: 200,
			CacheSize:  1024,
			CacheTTL:   10 * time.Minute,
		},
		Quota: QuotaConfig{
			DefaultTier:  "free",
			CheckTimeout: 5 * time.Second,
			TierCacheTTL: time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in layers: defaults, the JSON file at
// $XDG_CONFIG_HOME/docket/config.json, an optional .env file in the working
// directory, and DOCKET_* environment variables. Later layers win.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), ".env")
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	// godotenv never overrides variables already set in the environment.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values no layer can be trusted to get right.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Blob.Backend {
	case "file":
	case "minio":
		if c.Blob.MinioEndpoint == "" {
			errs = append(errs, errors.New("blob.minio_endpoint is required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q: want file or minio", c.Blob.Backend))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers))
	}
	if c.Pipeline.StageTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.stage_timeout must be positive"))
	}
	if c.Search.Threshold < -1 || c.Search.Threshold > 1 {
		errs = append(errs, fmt.Errorf("search.threshold %v outside [-1, 1]", c.Search.Threshold))
	}
	return errors.Join(errs...)
}

// RequireToken reports a clear error when no API token is configured.
func (c Config) RequireToken() error {
	if c.Server.Token == "" {
		return fmt.Errorf("missing required config: API token. Set it via environment variable DOCKET_API_TOKEN")
	}
	return nil
}

// KafkaBrokers splits the comma-separated broker list.
func (c Config) KafkaBrokers() []string {
	var out []string
	for _, b := range strings.Split(c.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
