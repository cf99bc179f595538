package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ledgerlens/internal/cache"
	"ledgerlens/internal/config"
	"ledgerlens/internal/embedding"
	"ledgerlens/internal/eval"
	"ledgerlens/internal/index"
	"ledgerlens/internal/llm"
	"ledgerlens/internal/metrics"
	"ledgerlens/internal/rag"
	"ledgerlens/internal/retrieval"
	"ledgerlens/internal/server"
	"ledgerlens/internal/store"
	"ledgerlens/internal/tracing"
)

var (
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ledgerlens",
	Short: "ledgerlens - RAG query service over personal financial transactions",
	Long: `ledgerlens answers natural-language questions about a personal corpus of
financial transactions using retrieval-augmented generation, with a
quality-evaluation harness and request tracing built in.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real env vars win over it either way.
		_ = godotenv.Load()

		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed all transactions and rebuild the vector index",
	RunE:  runReindex,
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run one canonical query and print its step timings",
	RunE:  runBench,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ledgerlens.json", "path to config file")
	rootCmd.AddCommand(serveCmd, reindexCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg       config.Config
	store     *store.Store
	index     *index.Index
	rag       *rag.Service
	factory   *llm.Factory
	collector *metrics.Collector
	recorder  *tracing.Recorder
	harness   *eval.Harness
	suite     *eval.Suite
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	idx := index.New(st, engine, logger)
	if err := idx.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	factory, err := llm.NewFactory(
		cfg.LLM.Provider,
		cfg.LLM.StatePath,
		cfg.LLM.FallbackEnabled,
		cfg.LLM.FallbackOrder,
		logger,
		llm.NewOpenAIClient(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, cfg.LLM.OpenAIModel, cfg.LLM.RequestTimeout.Std()),
		llm.NewGeminiClient(cfg.LLM.GeminiAPIKey, cfg.LLM.GeminiModel, cfg.LLM.RequestTimeout.Std()),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	collector := metrics.NewCollector()
	recorder := tracing.NewRecorder(cfg.Tracing.MaxRecent, st, logger)

	ragSvc := rag.NewService(rag.Config{
		Retriever:     retrieval.NewEngine(idx, engine, logger),
		Factory:       factory,
		Store:         st,
		Insights:      cache.New(cfg.Insights.TTL.Std()),
		Recorder:      recorder,
		Collector:     collector,
		Log:           logger,
		TopK:          cfg.Retrieval.TopK,
		ContextBudget: cfg.Retrieval.ContextBudget,
	})
	if err := ragSvc.WarmInsights(ctx); err != nil {
		logger.Warn("warm insights failed", zap.Error(err))
	}

	harness := eval.NewHarness(eval.NewJudge(factory, logger), collector, logger)

	cases, err := eval.LoadCases(cfg.Evaluation.TestSuitePath)
	if err != nil {
		st.Close()
		return nil, err
	}
	runQuery := func(ctx context.Context, question string) (string, []string, error) {
		resp, err := ragSvc.Query(ctx, question, 0)
		if err != nil {
			return "", nil, err
		}
		contexts := make([]string, 0, len(resp.Sources))
		for _, src := range resp.Sources {
			contexts = append(contexts, src.Snippet)
		}
		return resp.Answer, contexts, nil
	}
	suite := eval.NewSuite(harness, runQuery, cases, cfg.Evaluation.SuiteConcurrency, cfg.Evaluation.SuiteTimeout.Std(), logger)

	return &app{
		cfg:       cfg,
		store:     st,
		index:     idx,
		rag:       ragSvc,
		factory:   factory,
		collector: collector,
		recorder:  recorder,
		harness:   harness,
		suite:     suite,
	}, nil
}

func (a *app) close() {
	_ = a.factory.Close()
	_ = a.store.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.factory.Watch(); err != nil {
		logger.Warn("provider state watch unavailable", zap.Error(err))
	}

	srv := server.New(server.Config{
		RAG:              a.rag,
		Factory:          a.factory,
		Index:            a.index,
		Collector:        a.collector,
		Recorder:         a.recorder,
		Harness:          a.harness,
		Suite:            a.suite,
		Log:              logger,
		LiveQueryTimeout: a.cfg.Evaluation.LiveQueryTimeout.Std(),
	})

	httpServer := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", a.cfg.Server.Addr),
			zap.Int("index_size", a.index.Size()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	n, err := a.index.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	logger.Info("index rebuilt",
		zap.Int("records", n),
		zap.Duration("took", time.Since(start)))
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.rag.Benchmark(ctx)
	if err != nil {
		return fmt.Errorf("benchmark query: %w", err)
	}

	out, err := json.MarshalIndent(map[string]any{
		"timings":  resp.Timings,
		"sources":  len(resp.Sources),
		"provider": resp.ModelInfo.Provider,
		"model":    resp.ModelInfo.Model,
		"usage":    resp.ModelInfo.Usage,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
