package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/courseai/internal/artifact"
	"github.com/pavelanni/courseai/internal/grading"
	"github.com/pavelanni/courseai/internal/handler"
	appI18n "github.com/pavelanni/courseai/internal/i18n"
	"github.com/pavelanni/courseai/internal/importer"
	"github.com/pavelanni/courseai/internal/jobs"
	"github.com/pavelanni/courseai/internal/llm"
	"github.com/pavelanni/courseai/internal/llm/prompts"
	"github.com/pavelanni/courseai/internal/store"
	"github.com/pavelanni/courseai/internal/submission"
)

func main() {
	// A missing .env file is fine; real environment variables still apply.
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "courseai",
		Short: "AI content generation and submission grading for online courses",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `courseai --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, job workers and background grading",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "courseai.db", "SQLite database path")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /course)")
	f.String("admin-token", "", "Bearer token for /admin routes (admin routes are disabled when empty)")
	f.StringSlice("assessments", nil, "Assessment JSON files to import at startup (repeatable)")
	f.StringP("lang", "l", "en", "Default language for API messages (en, zh)")

	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Float32("llm-temperature", 0.7, "Sampling temperature")
	f.Int("llm-max-tokens", 2000, "Maximum tokens per completion")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for a single blocking completion")
	f.Int("llm-attempts", 3, "Attempts per generation call on timeout or unavailability")
	f.Duration("llm-backoff", 2*time.Second, "Linear backoff step between generation attempts")
	f.Bool("skip-llm-check", false, "Start without checking the LLM endpoint")

	f.Int("workers", 4, "Generation job workers")
	f.String("queue", "memory", "Job queue backend (memory, redis)")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis queue")
	f.String("redis-key", "courseai:jobs", "Redis list holding queued job IDs")
	f.Duration("sweep-interval", time.Minute, "How often PENDING jobs are re-enqueued (0 = only at startup)")
	f.Duration("stale-after", 30*time.Minute, "Fail jobs stuck in PROCESSING this long (0 = never)")

	f.String("artifact-backend", "fs", "Artifact storage backend (fs, minio)")
	f.String("artifact-dir", "artifacts", "Directory for the fs artifact backend")
	f.String("minio-endpoint", "localhost:9000", "MinIO/S3 endpoint")
	f.String("minio-access-key", "", "MinIO access key")
	f.String("minio-secret-key", "", "MinIO secret key")
	f.String("minio-bucket", "courseai", "MinIO bucket for artifacts")
	f.Bool("minio-secure", false, "Use TLS for MinIO")

	f.Int("grading-workers", 4, "Submissions graded in the background at once")
	f.Int("grading-concurrency", 4, "Parallel model calls while grading one submission")

	addLogFlags(f)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import assessments and questions from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "courseai.db", "SQLite database path")
	f.Bool("force", false, "Import files again even if they changed since the last import")
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an assessment's submissions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "courseai.db", "SQLite database path")
	f.Int64("assessment-id", 0, "Assessment to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f)

	_ = cmd.MarkFlagRequired("assessment-id")

	return cmd
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated by size")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("COURSEAI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("courseai")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/courseai")
	v.AddConfigPath("/etc/courseai")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if paths := v.GetStringSlice("assessments"); len(paths) > 0 {
		im := importer.New(db)
		im.SkipChanged = true
		if _, err := im.ImportFiles(ctx, paths); err != nil {
			return fmt.Errorf("load assessments: %w", err)
		}
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.Load(); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	llmClient, err := llm.New(llm.Config{
		BaseURL:     v.GetString("llm-url"),
		APIKey:      v.GetString("llm-key"),
		Model:       v.GetString("llm-model"),
		Temperature: float32(v.GetFloat64("llm-temperature")),
		MaxTokens:   v.GetInt("llm-max-tokens"),
		Timeout:     v.GetDuration("llm-timeout"),
	})
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if !v.GetBool("skip-llm-check") {
		pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := llmClient.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", llmClient.Model())
	}

	artifacts, err := newArtifactStore(ctx, v)
	if err != nil {
		return err
	}
	queue, err := newQueue(ctx, v)
	if err != nil {
		return err
	}
	if c, ok := queue.(io.Closer); ok {
		defer c.Close()
	}

	runner := jobs.NewRunner(db, queue, jobs.Config{
		Workers:       v.GetInt("workers"),
		SweepInterval: v.GetDuration("sweep-interval"),
		StaleAfter:    v.GetDuration("stale-after"),
	})
	jobs.NewGenerators(llmClient, artifacts, db, v.GetInt("llm-attempts"), v.GetDuration("llm-backoff")).Register(runner)

	grader, err := grading.NewGrader(llmClient, v.GetInt("grading-concurrency"))
	if err != nil {
		return fmt.Errorf("create grader: %w", err)
	}
	svc := submission.NewService(db, grader, int64(v.GetInt("grading-workers")))
	if _, err := svc.ResumeGrading(ctx); err != nil {
		slog.Warn("could not resume ungraded submissions", "error", err)
	}

	adminToken := v.GetString("admin-token")
	if adminToken == "" {
		slog.Warn("admin token not set, /admin routes are disabled")
	}
	h, err := handler.New(handler.Deps{
		Store:       db,
		Scheduler:   runner,
		Artifacts:   artifacts,
		Submissions: svc,
		Assistant:   llmClient,
		Importer:    importer.New(db),
		AdminToken:  adminToken,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"model", llmClient.Model(),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"workers", v.GetInt("workers"),
			"queue", v.GetString("queue"),
			"artifact_backend", v.GetString("artifact-backend"),
			"base_path", basePath,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := svc.Close(shutdownCtx); cerr != nil {
			slog.Warn("background grading did not finish before shutdown", "error", cerr)
		}
		return err
	})
	return g.Wait()
}

func newArtifactStore(ctx context.Context, v *viper.Viper) (artifact.Store, error) {
	switch backend := v.GetString("artifact-backend"); backend {
	case "fs", "":
		fs, err := artifact.NewFileStore(v.GetString("artifact-dir"))
		if err != nil {
			return nil, fmt.Errorf("open artifact dir: %w", err)
		}
		return fs, nil
	case "minio":
		ms, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  v.GetString("minio-endpoint"),
			AccessKey: v.GetString("minio-access-key"),
			SecretKey: v.GetString("minio-secret-key"),
			Bucket:    v.GetString("minio-bucket"),
			Secure:    v.GetBool("minio-secure"),
		})
		if err != nil {
			return nil, fmt.Errorf("open minio artifact store: %w", err)
		}
		return ms, nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", backend)
	}
}

func newQueue(ctx context.Context, v *viper.Viper) (jobs.Queue, error) {
	switch kind := v.GetString("queue"); kind {
	case "memory", "":
		return jobs.NewMemoryQueue(0), nil
	case "redis":
		q, err := jobs.NewRedisQueue(ctx, v.GetString("redis-url"), v.GetString("redis-key"))
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue %q", kind)
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	im := importer.New(db)
	im.SkipChanged = !v.GetBool("force")
	results, err := im.ImportFiles(cmd.Context(), args)
	for _, res := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d assessments, %d questions)\n",
			res.Name, res.Status, len(res.AssessmentIDs), res.Questions)
	}
	return err
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAssessment(cmd.Context(), v.GetInt64("assessment-id"))
	if err != nil {
		return fmt.Errorf("export assessment: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
