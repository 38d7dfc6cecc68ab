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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/visidex/internal/cache"
	"github.com/kailas-cloud/visidex/internal/config"
	dbRedis "github.com/kailas-cloud/visidex/internal/db/redis"
	"github.com/kailas-cloud/visidex/internal/extract"
	"github.com/kailas-cloud/visidex/internal/imagestore"
	"github.com/kailas-cloud/visidex/internal/index"
	logpkg "github.com/kailas-cloud/visidex/internal/logger"
	"github.com/kailas-cloud/visidex/internal/metrics"
	documentrepo "github.com/kailas-cloud/visidex/internal/repository/document"
	imagequeryrepo "github.com/kailas-cloud/visidex/internal/repository/imagequery"
	"github.com/kailas-cloud/visidex/internal/synth"
	chiTransport "github.com/kailas-cloud/visidex/internal/transport/chi"
	"github.com/kailas-cloud/visidex/internal/transport/colpali"
	openaiGen "github.com/kailas-cloud/visidex/internal/transport/openai"
	chatuc "github.com/kailas-cloud/visidex/internal/usecase/chat"
	ingestuc "github.com/kailas-cloud/visidex/internal/usecase/ingest"
	searchuc "github.com/kailas-cloud/visidex/internal/usecase/search"
	simmapuc "github.com/kailas-cloud/visidex/internal/usecase/simmap"
	"github.com/kailas-cloud/visidex/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting visidex API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("index_schema", cfg.Index.Schema),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register pipeline metrics explicitly (no init())
	metrics.RegisterPipelineMetrics()

	images, err := imagestore.New(cfg.Storage.ImageDir, cfg.Storage.SimMapDir)
	if err != nil {
		logger.Fatal("Failed to create image store", zap.Error(err))
	}

	extractor := extract.New(extract.ExecRunner{})

	embedClient := colpali.NewClient(&colpali.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Timeout: time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	})

	generator := openaiGen.NewGenerator(&openaiGen.Config{
		APIKey:       cfg.Generative.APIKey,
		BaseURL:      cfg.Generative.BaseURL,
		Model:        cfg.Generative.Model,
		Prompt:       cfg.Generative.Prompt,
		SystemPrompt: cfg.Generative.SystemPrompt,
	})
	synthesizer := synth.New(generator)

	indexClient := index.NewClient(&index.Config{
		Tenant:            cfg.Index.Tenant,
		Application:       cfg.Index.Application,
		Instance:          cfg.Index.Instance,
		Schema:            cfg.Index.Schema,
		Endpoint:          cfg.Index.Endpoint,
		CLIBinary:         cfg.Index.CLIBinary,
		FeedDir:           cfg.Index.FeedDir,
		QueryTimeout:      time.Duration(cfg.Index.QueryTimeoutSec) * time.Second,
		SuggestionMaxHits: cfg.Index.SuggestionMaxHits,
	})

	docRepo := documentrepo.New(store, cfg.Storage.KeyPrefix)
	queryRepo := imagequeryrepo.New(store, cfg.Storage.KeyPrefix)

	cacheTTL := time.Duration(cfg.Cache.TTLSec) * time.Second
	var resultCache searchuc.Cache
	switch cfg.Cache.Driver {
	case "redis":
		resultCache = cache.NewRedis(store, cfg.Storage.KeyPrefix, cacheTTL, logger)
	default:
		resultCache = cache.NewMemory(cfg.Cache.MaxEntries, cacheTTL)
	}

	ingestSvc := ingestuc.New(extractor, synthesizer, embedClient, indexClient, docRepo).
		WithThumbnailWidth(cfg.SimMap.ThumbWidth)
	searchSvc := searchuc.New(embedClient, embedClient, indexClient, queryRepo, resultCache,
		cfg.Index.Schema, cfg.Index.DefaultRanking)
	simMapWorker := simmapuc.NewWorker(searchSvc, indexClient, indexClient, images,
		cfg.Index.Schema, cfg.SimMap.Workers,
		time.Duration(cfg.SimMap.JobTimeoutSec)*time.Second, logger)
	chatSvc := chatuc.New(generator, images,
		time.Duration(cfg.Chat.ImageWaitSec)*time.Second,
		time.Duration(cfg.Chat.ImagePollMs)*time.Millisecond,
		cfg.Chat.MaxImages)

	server := chiTransport.NewServer(
		ingestSvc, searchSvc, simMapWorker, chatSvc,
		indexClient, images, extractor, store,
		cfg.Index.DefaultRanking, cfg.SimMap.PollMs, logger,
	)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(metrics.Middleware())
	server.Register(r)

	// Periodic no-op query keeps the external index's container warm.
	keepaliveStop := make(chan struct{})
	go runKeepalive(indexClient, time.Duration(cfg.Index.KeepaliveSec)*time.Second, keepaliveStop, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")
	close(keepaliveStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	// Let in-flight similarity-map jobs finish writing their artifacts.
	simMapWorker.Wait()

	logger.Info("Server stopped gracefully")
}

// runKeepalive pings the index on an interval until stop is closed.
func runKeepalive(client *index.Client, interval time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.Keepalive(context.Background()); err != nil {
				logger.Warn("index keepalive failed", zap.Error(err))
			}
		}
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
