// Command cacheprobe is a demo composition root exercising a
// time-based hybrid cache and a two-stage async pipeline behind a
// small HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brain2/cachepipe/cache"
	"github.com/brain2/cachepipe/cache/decorator"
	"github.com/brain2/cachepipe/cache/file"
	"github.com/brain2/cachepipe/cache/hybrid"
	"github.com/brain2/cachepipe/cache/memory"
	"github.com/brain2/cachepipe/internal/clock"
	"github.com/brain2/cachepipe/pipeline"
	"github.com/brain2/cachepipe/pipeline/modifier"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Logging.Level)
	defer logger.Sync()

	shutdownTracing, err := setupTracing(context.Background(), cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("setting up tracing", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	cacheStore, cleanupCache, err := buildCache(cfg, logger)
	if err != nil {
		logger.Fatal("building cache", zap.Error(err))
	}
	defer cleanupCache()

	pl := buildPipeline(cfg, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newRouter(cacheStore, pl),
	}

	go func() {
		logger.Info("cacheprobe listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if err := pl.DisposeAsync(ctx); err != nil {
		logger.Warn("pipeline dispose error", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// buildCache wires a time-based composition: a timestamped memory
// tier backed by a file tier, demoted by age, with
// retry+logging decorators applied to the whole composite.
func buildCache(cfg Config, logger *zap.Logger) (cache.Backend[string, string], func(), error) {
	if err := os.MkdirAll(cfg.Cache.FileDir, 0o755); err != nil {
		return nil, nil, err
	}

	memTier := memory.NewTimestamped[string, string](clock.Real{}, logger)
	fileTier, err := file.New[string, string](cfg.Cache.FileDir, file.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}

	timeBased := hybrid.NewTimeBased[string, string](memTier, fileTier, hybrid.TimeBasedOptions{
		DemotionAge:   cfg.Cache.MemoryDemotionAge,
		CheckInterval: cfg.Cache.SweepInterval,
		Logger:        logger,
		Clock:         clock.Real{},
	})

	decorated := decorator.Chain[string, string](timeBased, decorator.ChainOptions{
		Retry:  retryConfigPtr(),
		Logger: logger,
	})

	return decorated, func() { _ = timeBased.Close() }, nil
}

func retryConfigPtr() *decorator.RetryConfig {
	cfg := decorator.DefaultRetryConfig()
	return &cfg
}

// buildPipeline wires a two-stage demo pipeline: an uppercase transform
// guarded by Retry+Timeout, fanned out to the configured parallelism,
// followed by a single-lane trim stage, with order preservation per
// config.
func buildPipeline(cfg Config, logger *zap.Logger) *pipeline.Pipeline[string] {
	pl := pipeline.New[string](pipeline.Options{
		PreserveOrder: cfg.Pipeline.PreserveOrder,
		Logger:        logger,
	})

	upper := func(ctx context.Context, env pipeline.Envelope[string]) (pipeline.Envelope[string], error) {
		env.Value = strings.ToUpper(env.Value)
		return env, nil
	}

	_, _ = pl.AddBlock(pipeline.StageOptions[string]{
		Transform:   upper,
		Parallelism: cfg.Pipeline.Parallelism,
		Modifiers: []pipeline.Modifier[string]{
			modifier.Retry[string](modifier.DefaultRetryConfig()),
			modifier.Timeout[string](2 * time.Second),
		},
	})

	trim := func(ctx context.Context, env pipeline.Envelope[string]) (pipeline.Envelope[string], error) {
		env.Value = strings.TrimSpace(env.Value)
		return env, nil
	}
	_, _ = pl.AddBlock(pipeline.StageOptions[string]{
		Transform:   trim,
		Parallelism: 1,
	})

	pl.Build()
	return pl
}

func newRouter(c cache.Backend[string, string], pl *pipeline.Pipeline[string]) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/{key}", func(w http.ResponseWriter, r *http.Request) {
			key := chi.URLParam(r, "key")
			v, ok, err := c.TryGet(r.Context(), key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(v))
		})

		r.Put("/{key}", func(w http.ResponseWriter, r *http.Request) {
			key := chi.URLParam(r, "key")
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := c.Set(r.Context(), key, string(body)); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Delete("/{key}", func(w http.ResponseWriter, r *http.Request) {
			key := chi.URLParam(r, "key")
			removed, err := c.Remove(r.Context(), key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !removed {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Post("/pipeline/submit", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := pl.WriteAsync(r.Context(), string(body)); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Get("/pipeline/results", func(w http.ResponseWriter, r *http.Request) {
		select {
		case res, ok := <-pl.Results():
			if !ok {
				http.Error(w, "pipeline closed", http.StatusGone)
				return
			}
			if res.Err != nil {
				http.Error(w, res.Err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte(res.Value))
		case <-time.After(500 * time.Millisecond):
			w.WriteHeader(http.StatusNoContent)
		}
	})

	return r
}
