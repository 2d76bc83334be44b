package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/modelmux/dispatch/backends/openaicompat"
	"github.com/modelmux/dispatch/internal/cache"
	"github.com/modelmux/dispatch/internal/client"
	"github.com/modelmux/dispatch/internal/config"
	"github.com/modelmux/dispatch/internal/queue"
	"github.com/modelmux/dispatch/internal/session"
)

// NewFromConfigFile loads a YAML configuration file and builds a Service.
func NewFromConfigFile(path string) (*Service, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg)
}

// NewFromConfigFileWithReload builds a Service from a YAML configuration file
// and watches the file for changes. Edits to the backend list, retry tuning,
// and default model are applied to the running Service; queue, cache, and
// session settings take effect on the next restart. Watching stops when ctx
// is cancelled or the Service is closed.
func NewFromConfigFileWithReload(ctx context.Context, path string) (*Service, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	svc, err := NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	mgr, err := config.NewManager(path, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	mgr.OnChange(svc.applyConfig)
	if err := mgr.Watch(ctx); err != nil {
		mgr.Close()
		svc.Close()
		return nil, err
	}
	svc.watcher = mgr
	return svc, nil
}

// applyConfig swaps the backend roster, retry tuning, and default model to
// match cfg. New instances are registered before the old roster is removed,
// so in-flight requests always see at least one instance.
func (s *Service) applyConfig(cfg *config.Config) {
	retryCfg := retryConfigFrom(cfg.Retry)
	retryCfg.Logger = s.logger

	s.mu.Lock()
	old := s.registered
	s.registered = nil
	s.retryCfg = retryCfg
	for _, b := range cfg.Backends {
		c := client.New(buildBackend(b), retryCfg)
		s.balancer.Register(b.Model, c, b.Weight)
		s.registered = append(s.registered, registration{model: b.Model, client: c})
	}
	for _, reg := range old {
		if err := s.balancer.Unregister(reg.model, reg.client); err != nil {
			s.logger.Warn("stale instance not unregistered", "model", reg.model, "error", err)
		}
	}
	if cfg.DefaultModel != "" {
		s.defaultModel = cfg.DefaultModel
	} else if len(cfg.Backends) > 0 {
		s.defaultModel = cfg.Backends[0].Model
	}
	defaultModel := s.defaultModel
	s.mu.Unlock()

	s.logger.Info("configuration applied",
		"models", s.balancer.Models(),
		"default_model", defaultModel,
	)
}

// NewFromConfig builds a Service from a parsed configuration.
func NewFromConfig(cfg *config.Config) (*Service, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(logger),
		WithQueue(queue.Config{
			Workers:         cfg.Queue.Workers,
			MaxConcurrent:   cfg.Queue.MaxConcurrent,
			MaxQueueSize:    cfg.Queue.MaxQueueSize,
			TaskTimeout:     cfg.Queue.TaskTimeout,
			ShutdownTimeout: cfg.Queue.ShutdownTimeout,
			StatsInterval:   cfg.Queue.StatsInterval,
		}),
		WithRetry(retryConfigFrom(cfg.Retry)),
		WithSessions(session.StoreConfig{
			TTL:               cfg.Sessions.TTL,
			SweepInterval:     cfg.Sessions.SweepInterval,
			MaxSessions:       cfg.Sessions.MaxSessions,
			DefaultMaxHistory: cfg.Sessions.DefaultMaxHistory,
		}),
	}

	if cfg.DefaultModel != "" {
		opts = append(opts, WithDefaultModel(cfg.DefaultModel))
	}
	if cfg.Sessions.PersistPath != "" {
		opts = append(opts, WithSessionPersistence(cfg.Sessions.PersistPath))
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	if cfg.Metrics.SnapshotDir != "" {
		opts = append(opts, WithMetricsSnapshotDir(cfg.Metrics.SnapshotDir))
	}

	for _, b := range cfg.Backends {
		opts = append(opts, WithBackend(b.Model, buildBackend(b), b.Weight))
	}

	switch {
	case !cfg.Cache.Enabled:
		opts = append(opts, WithoutCache())
	case cfg.Cache.Type == "redis":
		rc, err := cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			Namespace: cfg.Cache.Redis.Namespace,
			TTL:       cfg.Cache.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("dispatch: redis cache: %w", err)
		}
		opts = append(opts, WithCache(rc))
	default:
		opts = append(opts, WithMemoryCache(cache.MemoryCacheConfig{
			MaxSize: cfg.Cache.MaxSize,
			TTL:     cfg.Cache.TTL,
		}))
	}

	return New(opts...)
}

func retryConfigFrom(rc config.RetryConfig) client.Config {
	return client.Config{
		MaxRetries:     rc.MaxRetries,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		BackoffFactor:  rc.BackoffFactor,
		Jitter:         rc.Jitter,
	}
}

func buildBackend(b config.BackendConfig) *openaicompat.Backend {
	return openaicompat.New(b.Model, b.BaseURL,
		openaicompat.WithProvider(b.Provider),
		openaicompat.WithAPIKey(b.APIKey),
		openaicompat.WithTimeout(b.Timeout),
		openaicompat.WithHeaders(b.Headers),
	)
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("dispatch: unknown log level %q", cfg.Level)
	}

	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
}
