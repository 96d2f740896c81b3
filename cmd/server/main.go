package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"clinic-intake/internal/core"
	"clinic-intake/internal/db"
	httpserver "clinic-intake/internal/http"
	"clinic-intake/internal/llm"

	_ "github.com/lib/pq"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "1" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Load environment variables
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL must be set")
		os.Exit(1)
	}

	// Open database connection
	dbConn, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	// Verify connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(pingCtx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(context.Background(), dbConn); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	repo := db.NewRepository(dbConn)

	// Red-flag rules are configuration; fall back to the built-in set.
	rules := core.DefaultTriageRules()
	if path := os.Getenv("TRIAGE_RULES"); path != "" {
		rules, err = core.LoadTriageRules(path)
		if err != nil {
			logger.Error("failed to load triage rules", "path", path, "error", err)
			os.Exit(1)
		}
		logger.Info("loaded triage rules", "path", path, "phrases", len(rules.Phrases))
	}

	// Initialize OpenAI LLM client (uses env: OPENAI_API_KEY, OPENAI_MODEL_EXTRACT)
	llmClient := llm.NewOpenAIClient()
	adapter := core.NewAdapter(llmClient, 20*time.Second, logger)

	channel := os.Getenv("NOTIFY_CHANNEL")
	if channel == "" {
		channel = "escalations"
	}
	notifier := db.NewNotifier(dbConn, dbURL, channel)

	engine := core.NewEngine(repo, adapter, rules, logger)
	engine.SetNotifier(notifier)

	workers := 1
	if v := os.Getenv("REPORT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}

	clinicianToken := os.Getenv("CLINICIAN_TOKEN")
	if clinicianToken == "" {
		clinicianToken = "dev-token"
		logger.Warn("CLINICIAN_TOKEN not set, using development default")
	}

	srv := httpserver.NewServer(engine, repo, notifier, clinicianToken, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	httpSrv := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := core.NewReportWorker(repo, llmClient, time.Second)
		worker.UseLocks(engine.Locks())
		g.Go(func() error {
			worker.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
