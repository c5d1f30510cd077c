package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kalambet/docket/internal/api"
	"github.com/kalambet/docket/internal/blob"
	"github.com/kalambet/docket/internal/broadcast"
	"github.com/kalambet/docket/internal/config"
	"github.com/kalambet/docket/internal/engine"
	"github.com/kalambet/docket/internal/ingest"
	"github.com/kalambet/docket/internal/openrouter"
	"github.com/kalambet/docket/internal/pipeline"
	"github.com/kalambet/docket/internal/quota"
	"github.com/kalambet/docket/internal/search"
	"github.com/kalambet/docket/internal/stage"
	"github.com/kalambet/docket/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docket server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		skipModels, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(withMCP, skipModels, ownerFlag(cmd))
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	serveCmd.Flags().Bool("skip-model-check", false, "start without checking or pulling local models")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(withMCP, skipModels bool, mcpOwner string) error {
	fmt.Fprintf(os.Stderr, "docket version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	var eng engine.Engine = local
	chatModel := cfg.Ollama.ChatModel
	if cfg.OpenRouter.APIKey != "" {
		eng = engine.NewHostedEngine(local, openrouter.NewClient(cfg.OpenRouter.APIKey))
		chatModel = cfg.OpenRouter.Model
		slog.Info("chat routed to OpenRouter", "model", chatModel)
	}
	if !skipModels {
		models := []string{cfg.Ollama.EmbedModel, cfg.Ollama.VisionModel}
		if cfg.OpenRouter.APIKey == "" {
			models = append(models, cfg.Ollama.ChatModel)
		}
		if err := engine.EnsureReady(ctx, local, models, os.Stderr); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("redis enabled for quota counters and progress events", "addr", cfg.Redis.Addr)
	}

	pub, sub, closeEvents := buildEvents(cfg, rdb)
	defer closeEvents()

	// Quota.
	var counter quota.Counter = store
	if rdb != nil {
		counter = quota.NewRedisCounter(rdb, cfg.Redis.Prefix)
	}
	catalog := quota.DefaultCatalog()
	catalog.Default = cfg.Quota.DefaultTier
	if err := catalog.Validate(); err != nil {
		return fmt.Errorf("quota catalog: %w", err)
	}
	tiers := quota.NewStoreTiers(store, catalog, 1024, cfg.Quota.TierCacheTTL)
	ledger := quota.NewLedger(counter, tiers, catalog.DefaultTier(), cfg.Quota.CheckTimeout)

	// Pipeline.
	llm := stage.LLMConfig{Model: chatModel, MaxChars: cfg.Pipeline.MaxChars}
	ocr := stage.NewOCR(stage.NewVisionRecognizer(local, cfg.Ollama.VisionModel))
	analyzer := stage.NewAnalyzer(eng, llm)
	entities := stage.NewEntityExtractor(eng, llm)
	embedder := stage.NewEmbedder(local, stage.EmbeddingConfig{
		Model:        cfg.Ollama.EmbedModel,
		ChunkSize:    cfg.Pipeline.ChunkSize,
		ChunkOverlap: cfg.Pipeline.ChunkOverlap,
	})
	orch, err := pipeline.New(store, blobs, pub, pipeline.Config{StageTimeout: cfg.Pipeline.StageTimeout},
		pipeline.FullPlan(ocr, analyzer, entities, embedder),
		pipeline.BasicPlan(ocr, analyzer, entities),
	)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	// Recover from a previous crash before any worker claims jobs.
	if n, err := orch.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling interrupted documents: %w", err)
	} else if n > 0 {
		slog.Warn("failed documents interrupted by a previous shutdown", "count", n)
	}
	if n, err := store.RequeueRunningJobs(ctx); err != nil {
		return fmt.Errorf("requeueing jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued jobs left running by a previous shutdown", "count", n)
	}

	worker := ingest.NewWorker(store, orch, cfg.Pipeline.PollInterval, cfg.Pipeline.Workers)
	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	searcher := search.New(store,
		search.NewQueryEmbedder(local, cfg.Ollama.EmbedModel, cfg.Search.CacheSize, cfg.Search.CacheTTL),
		search.Config{Threshold: float32(cfg.Search.Threshold), MaxResults: cfg.Search.MaxResults},
	)

	handler := api.NewHandler(api.Deps{
		Admission: ingest.NewAdmission(ledger, blobs, store, pub),
		Documents: store,
		Blobs:     blobs,
		Search:    searcher,
		Usage:     ledger,
		Events:    sub,
		Token:     cfg.Server.Token,
		Heartbeat: cfg.Server.Heartbeat,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Documents: store,
			Search:    searcher,
			Usage:     ledger,
			OwnerID:   mcpOwner,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docket listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stop()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("workers still running at shutdown; their documents will be reconciled on next start")
	}
	return nil
}

func openBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.Blob.Backend == "minio" {
		s, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.MinioEndpoint,
			AccessKey: cfg.Blob.MinioAccessKey,
			SecretKey: cfg.Blob.MinioSecretKey,
			Bucket:    cfg.Blob.MinioBucket,
			UseSSL:    cfg.Blob.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("opening minio blob store: %w", err)
		}
		return s, nil
	}
	s, err := blob.NewFileStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("opening file blob store: %w", err)
	}
	return s, nil
}

// buildEvents wires the progress transport: Redis pub/sub when configured,
// otherwise the in-process hub, plus an optional Kafka mirror.
func buildEvents(cfg config.Config, rdb *redis.Client) (broadcast.Publisher, broadcast.Subscriber, func()) {
	var live interface {
		broadcast.Publisher
		broadcast.Subscriber
	}
	if rdb != nil {
		live = broadcast.NewRedisBroadcaster(rdb, cfg.Redis.Prefix, 0)
	} else {
		live = broadcast.NewHub(0)
	}

	brokers := cfg.KafkaBrokers()
	if len(brokers) == 0 {
		return live, live, func() {}
	}
	mirror := broadcast.NewKafkaMirror(broadcast.NewKafkaWriter(brokers, cfg.Kafka.Topic))
	slog.Info("mirroring progress events to kafka", "brokers", brokers, "topic", cfg.Kafka.Topic)
	return broadcast.Fanout{live, mirror}, live, func() {
		if err := mirror.Close(); err != nil {
			slog.Warn("closing kafka mirror", "error", err)
		}
	}
}
