package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/extractkit/pekserve/core/jobs"
	"github.com/extractkit/pekserve/dbopen"
	"github.com/extractkit/pekserve/endpoint"
	"github.com/extractkit/pekserve/extract"
	"github.com/extractkit/pekserve/observability"
	"github.com/extractkit/pekserve/shield"
)

const workerName = "extract_worker"

func main() {
	port := env("PORT", "8000")
	configPath := env("CONFIG_PATH", "")
	jobsPath := env("JOBS_DB", "db/jobs.db")
	obsPath := env("OBS_DB", "db/observability.db")
	endpointID := env("ENDPOINT_ID", "pek")
	apiKey := os.Getenv("API_KEY")
	apiKeyHash := os.Getenv("API_KEY_HASH")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	concurrency := envInt("WORKER_CONCURRENCY", 2)
	maxAttempts := envInt("JOB_MAX_ATTEMPTS", 3)
	jobTimeout := envDuration("JOB_TIMEOUT", 5*time.Minute)
	syncWait := envDuration("SYNC_WAIT", 60*time.Second)

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Extraction pipeline configuration.
	pipeCfg := extract.Config{Logger: logger}
	if configPath != "" {
		loaded, err := extract.LoadConfig(configPath)
		if err != nil {
			slog.Error("load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		loaded.Logger = logger
		pipeCfg = loaded
	}
	pipeline := extract.New(pipeCfg)

	// Jobs DB.
	jobsDB, err := dbopen.Open(jobsPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("jobs db", "error", err)
		os.Exit(1)
	}
	defer jobsDB.Close()

	// Observability DB — separate file to keep monitoring writes off the
	// job queue's WAL.
	obsDB, err := dbopen.Open(obsPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()

	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer metrics.Close()

	jobEvents := observability.NewJobEventLogger(obsDB, 1000)
	defer jobEvents.Close()

	heartbeat := observability.NewHeartbeatWriter(obsDB, workerName, 15*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// Worker.
	worker, err := jobs.NewWorker(jobsDB, maxAttempts, jobTimeout, logger)
	if err != nil {
		slog.Error("job worker", "error", err)
		os.Exit(1)
	}
	worker.RegisterHandler(endpoint.JobTypeExtract, extractHandler(pipeline))
	worker.SetConcurrency(endpoint.JobTypeExtract, concurrency)
	worker.SetObserver(func(jobID, jobType, event, detail string, duration time.Duration) {
		jobEvents.Log(jobID, jobType, event, detail, duration)
		switch event {
		case "completed":
			metrics.RecordSimple(observability.MetricJobsProcessedCount, 1, "count")
			metrics.RecordSimple(observability.MetricExtractionDurationMs, float64(duration.Milliseconds()), "milliseconds")
		case "failed", "timed_out":
			metrics.RecordSimple(observability.MetricJobsFailedCount, 1, "count")
		}
	})

	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker stopped", "error", err)
		}
	}()

	// HTTP service.
	svc := endpoint.New(endpoint.Config{
		EndpointID:          endpointID,
		APIKey:              apiKey,
		APIKeyHash:          apiKeyHash,
		SyncWait:            syncWait,
		SubmitRatePerSecond: envFloat("SUBMIT_RATE_PER_SECOND", 0),
		WorkerSlots:         concurrency,
		Observe: func(jobID, jobType, event, detail string, duration time.Duration) {
			jobEvents.Log(jobID, jobType, event, detail, duration)
		},
	}, worker, logger)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack() {
		r.Use(mw)
	}
	r.Use(observability.RequestLogger(obsDB, logger))
	svc.RegisterHTTP(r)

	// Optional MCP over stdio, for running the pipeline as a tool server.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "pekserve",
			Version: "1.0.0",
		}, nil)
		pipeline.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio server starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP server", "error", err)
			}
		}()
	}

	// Nightly retention cleanup.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := observability.Cleanup(ctx, obsDB, observability.RetentionConfig{
					HTTPLogsDays:   envInt("HTTP_LOGS_RETENTION_DAYS", 7),
					JobEventsDays:  envInt("JOB_EVENTS_RETENTION_DAYS", 30),
					HeartbeatsDays: envInt("HEARTBEATS_RETENTION_DAYS", 7),
					MetricsDays:    envInt("METRICS_RETENTION_DAYS", 30),
				}); err != nil {
					slog.Error("retention cleanup", "error", err)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", "error", err)
		}
	}()

	slog.Info("pekserve starting",
		"port", port,
		"endpoint_id", endpointID,
		"concurrency", concurrency,
		"job_timeout", jobTimeout)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server", "error", err)
		os.Exit(1)
	}
	slog.Info("pekserve stopped")
}

// extractHandler adapts the pipeline to the job queue's handler shape.
// The payload's "input" object round-trips through JSON into the typed
// request, and the output does the reverse for storage.
func extractHandler(pipeline *extract.Pipeline) jobs.JobHandler {
	return func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		raw, err := json.Marshal(payload["input"])
		if err != nil {
			return nil, fmt.Errorf("encode job input: %w", err)
		}
		var req extract.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode job input: %w", err)
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}

		out, err := pipeline.Process(ctx, &req)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode job output: %w", err)
		}
		var result map[string]interface{}
		if err := json.Unmarshal(encoded, &result); err != nil {
			return nil, fmt.Errorf("decode job output: %w", err)
		}
		return result, nil
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
