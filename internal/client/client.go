// Package client wraps a single backend instance with uniform error
// classification and retry. Retryable failures (connection, timeout, rate
// limit, server errors) are retried with capped exponential backoff and
// jitter; fatal failures (authentication, validation) propagate immediately.
package client

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/modelmux/dispatch/pkg/backend"
	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

// Config holds retry tuning parameters.
type Config struct {
	MaxRetries     int           // retries after the initial attempt (default: 3)
	InitialBackoff time.Duration // delay before the first retry (default: 1s)
	MaxBackoff     time.Duration // backoff cap (default: 30s)
	BackoffFactor  float64       // exponential growth factor (default: 2)
	Jitter         float64       // random fraction applied to each delay (default: 0.1)
	Logger         *slog.Logger
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2,
		Jitter:         0.1,
	}
}

// Client is a resilient wrapper around one backend instance.
type Client struct {
	backend backend.Backend
	cfg     Config
	logger  *slog.Logger
}

// New wraps the backend with the given retry configuration.
func New(b backend.Backend, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	info := b.ModelInfo()
	return &Client{
		backend: b,
		cfg:     cfg,
		logger: cfg.Logger.With(
			"component", "client",
			"provider", info.Provider,
			"model", info.Name,
		),
	}
}

// ModelInfo describes the wrapped backend's model.
func (c *Client) ModelInfo() types.ModelInfo {
	return c.backend.ModelInfo()
}

// Chat runs a chat completion with retry.
func (c *Client) Chat(ctx context.Context, messages []types.Message, params types.GenParams) (*types.Result, error) {
	return c.do(ctx, "chat", func(ctx context.Context) (*types.Result, error) {
		return c.backend.Chat(ctx, messages, params)
	})
}

// Generate runs a single-prompt completion with retry.
func (c *Client) Generate(ctx context.Context, prompt string, params types.GenParams) (*types.Result, error) {
	messages := []types.Message{{Role: "user", Content: prompt}}
	return c.do(ctx, "generate", func(ctx context.Context) (*types.Result, error) {
		return c.backend.Chat(ctx, messages, params)
	})
}

// Embeddings produces a vector representation of the text with retry.
func (c *Client) Embeddings(ctx context.Context, text string) (*types.Result, error) {
	return c.do(ctx, "embeddings", func(ctx context.Context) (*types.Result, error) {
		return c.backend.Embeddings(ctx, text)
	})
}

// do runs fn with the retry policy. It always returns a non-nil Result: on
// failure the Result carries the classified error fields, and the error
// return carries the same classified error for health tracking upstream.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) (*types.Result, error)) (*types.Result, error) {
	info := c.backend.ModelInfo()

	var derr *dispatcherrors.DispatchError
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Warn("retrying request",
				"operation", op,
				"attempt", attempt,
				"max_retries", c.cfg.MaxRetries,
				"delay", delay,
				"error", derr.Message,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				derr = dispatcherrors.Classify(info.Provider, info.Name, ctx.Err())
				return failedResult(info, derr), derr
			}
		}

		res, err := fn(ctx)
		if err == nil {
			if res.ModelInfo.Name == "" {
				res.ModelInfo = info
			}
			return res, nil
		}

		derr = dispatcherrors.Classify(info.Provider, info.Name, err)
		if !derr.Retryable {
			c.logger.Error("fatal error, not retrying",
				"operation", op,
				"error_type", derr.Type,
				"error", derr.Message,
			)
			return failedResult(info, derr), derr
		}
	}

	c.logger.Error("retries exhausted",
		"operation", op,
		"attempts", c.cfg.MaxRetries+1,
		"error_type", derr.Type,
		"error", derr.Message,
	)
	return failedResult(info, derr), derr
}

// backoff computes the delay before retry n (1-based): the capped exponential
// delay plus or minus a uniform jitter fraction. Jitter is applied after the
// cap, so consecutive delays are not strictly monotonic.
func (c *Client) backoff(n int) time.Duration {
	base := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffFactor, float64(n-1))
	if capped := float64(c.cfg.MaxBackoff); base > capped {
		base = capped
	}
	if c.cfg.Jitter > 0 {
		base *= 1 + (rand.Float64()*2-1)*c.cfg.Jitter
	}
	return time.Duration(base)
}

func failedResult(info types.ModelInfo, derr *dispatcherrors.DispatchError) *types.Result {
	return &types.Result{
		ModelInfo: info,
		Error:     derr.Message,
		ErrorType: derr.Type,
	}
}
