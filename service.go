package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelmux/dispatch/internal/balancer"
	"github.com/modelmux/dispatch/internal/cache"
	"github.com/modelmux/dispatch/internal/client"
	"github.com/modelmux/dispatch/internal/config"
	"github.com/modelmux/dispatch/internal/metrics"
	"github.com/modelmux/dispatch/internal/queue"
	"github.com/modelmux/dispatch/internal/session"
	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

// registration tracks one live balancer entry so configuration reloads can
// swap the roster.
type registration struct {
	model  string
	client *client.Client
}

// Service is the dispatch facade. All operations return a uniform *Result;
// failures are reported in the result's Error and ErrorType fields.
type Service struct {
	mu           sync.Mutex // guards defaultModel, registered, retryCfg
	defaultModel string
	registered   []registration
	retryCfg     client.Config

	balancer  *balancer.Balancer
	cache     cache.Cache // nil when caching is disabled
	sessions  *session.Store
	queue     *queue.Queue
	collector *metrics.Collector
	limiter   *rate.Limiter
	watcher   *config.Manager // nil unless built with config reload

	persistPath string
	logger      *slog.Logger
}

// New builds a Service from options. At least one backend is required.
func New(opts ...Option) (*Service, error) {
	o := options{
		queueCfg:    queue.DefaultConfig(),
		retryCfg:    client.DefaultConfig(),
		sessionCfg:  session.DefaultStoreConfig(),
		memCacheCfg: cache.DefaultMemoryCacheConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(o.backends) == 0 {
		return nil, fmt.Errorf("dispatch: at least one backend is required")
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.defaultModel == "" {
		o.defaultModel = o.backends[0].model
	}
	var hasDefault bool
	for _, reg := range o.backends {
		if reg.model == o.defaultModel {
			hasDefault = true
		}
	}
	if !hasDefault {
		return nil, fmt.Errorf("dispatch: default model %q has no backend", o.defaultModel)
	}

	o.queueCfg.Logger = o.logger
	o.retryCfg.Logger = o.logger
	o.sessionCfg.Logger = o.logger

	s := &Service{
		defaultModel: o.defaultModel,
		retryCfg:     o.retryCfg,
		balancer:     balancer.New(o.logger),
		sessions:     session.NewStore(o.sessionCfg, o.summarizer),
		queue:        queue.New(o.queueCfg),
		collector:    metrics.NewCollector(o.metricsDir),
		limiter:      o.limiter,
		persistPath:  o.persistPath,
		logger:       o.logger.With("component", "service"),
	}

	for _, reg := range o.backends {
		c := client.New(reg.backend, o.retryCfg)
		s.balancer.Register(reg.model, c, reg.weight)
		s.registered = append(s.registered, registration{model: reg.model, client: c})
	}

	switch {
	case o.cacheDisabled:
	case o.cache != nil:
		s.cache = o.cache
	default:
		s.cache = cache.NewMemoryCache(o.memCacheCfg)
	}

	if s.persistPath != "" {
		if _, err := os.Stat(s.persistPath); err == nil {
			if err := s.sessions.LoadFile(s.persistPath); err != nil {
				s.logger.Warn("session restore failed", "path", s.persistPath, "error", err)
			}
		}
	}

	if err := s.queue.Start(0); err != nil {
		return nil, err
	}

	s.logger.Info("dispatch service ready",
		"models", s.balancer.Models(),
		"default_model", s.defaultModel,
		"cache_enabled", s.cache != nil,
	)
	return s, nil
}

// Generate runs a single-prompt completion.
func (s *Service) Generate(ctx context.Context, prompt string, opts ...RequestOption) *Result {
	o := applyRequestOptions(opts)
	messages := []types.Message{{Role: "user", Content: prompt}}
	return s.dispatchChat(ctx, "generate", messages, o)
}

// Chat runs a chat completion over the full message list.
func (s *Service) Chat(ctx context.Context, messages []Message, opts ...RequestOption) *Result {
	o := applyRequestOptions(opts)
	return s.dispatchChat(ctx, "chat", messages, o)
}

// ChatWithSession appends the message to a session (creating one when no id
// is given), sends the session's context to the model, and records the reply
// in the session. The result's SessionID identifies the conversation.
func (s *Service) ChatWithSession(ctx context.Context, message Message, opts ...RequestOption) *Result {
	o := applyRequestOptions(opts)
	model := s.resolveModel(o)

	sessionID := o.sessionID
	if sessionID == "" {
		created := s.sessions.Create("", model, o.maxHistory, o.metadata)
		sessionID = created.ID
	} else if _, err := s.sessions.Get(sessionID); err != nil {
		return s.failure(model, err, sessionID)
	}

	if err := s.sessions.AddMessage(sessionID, message); err != nil {
		return s.failure(model, err, sessionID)
	}
	contextMessages, err := s.sessions.ContextMessages(sessionID)
	if err != nil {
		return s.failure(model, err, sessionID)
	}

	res := s.dispatchChat(ctx, "chat_with_session", contextMessages, o)
	res.SessionID = sessionID

	if !res.Failed() {
		reply := Message{Role: "assistant", Content: res.Text}
		if err := s.sessions.AddMessage(sessionID, reply); err != nil {
			s.logger.Warn("failed to record reply in session", "session_id", sessionID, "error", err)
		}
	}
	return res
}

// Embeddings produces a vector representation of the text.
func (s *Service) Embeddings(ctx context.Context, text string, opts ...RequestOption) *Result {
	o := applyRequestOptions(opts)
	model := s.resolveModel(o)
	if res := s.admit(ctx, model); res != nil {
		return res
	}

	fingerprint := cache.EmbeddingFingerprint(text, model)
	if res := s.cacheLookup(ctx, fingerprint, o); res != nil {
		return res
	}

	start := time.Now()
	res, err := s.balancer.Execute(ctx, model, func(ctx context.Context, c *client.Client) (*types.Result, error) {
		return c.Embeddings(ctx, text)
	})
	res = s.finish(model, "embeddings", res, err, time.Since(start))

	if err == nil && !res.Failed() {
		s.cacheStore(ctx, fingerprint, res, o)
	}
	return res
}

// dispatchChat is the shared completion path: admission checks, cache
// lookup, balanced execution, metrics, cache fill.
func (s *Service) dispatchChat(ctx context.Context, op string, messages []Message, o reqOptions) *Result {
	model := s.resolveModel(o)
	if res := s.admit(ctx, model); res != nil {
		return res
	}

	fingerprint := cache.Fingerprint(messages, model, o.params)
	if res := s.cacheLookup(ctx, fingerprint, o); res != nil {
		return res
	}

	start := time.Now()
	res, err := s.balancer.Execute(ctx, model, func(ctx context.Context, c *client.Client) (*types.Result, error) {
		return c.Chat(ctx, messages, o.params)
	})
	res = s.finish(model, op, res, err, time.Since(start))

	if err == nil && !res.Failed() {
		s.cacheStore(ctx, fingerprint, res, o)
	}
	return res
}

func (s *Service) resolveModel(o reqOptions) string {
	if o.model != "" {
		return o.model
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultModel
}

// admit rejects requests for unknown models and applies the rate limit.
// Returns nil when the request may proceed.
func (s *Service) admit(ctx context.Context, model string) *Result {
	if !s.balancer.Has(model) {
		return s.failure(model,
			dispatcherrors.NewValidationError("", model, fmt.Sprintf("model %s is not registered", model)), "")
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.failure(model, err, "")
		}
	}
	return nil
}

// cacheLookup returns the cached result on a hit, nil otherwise.
func (s *Service) cacheLookup(ctx context.Context, fingerprint string, o reqOptions) *Result {
	if s.cache == nil || o.noCache {
		return nil
	}
	res, err := s.cache.Get(ctx, fingerprint)
	if err != nil {
		s.logger.Warn("cache lookup failed", "error", err)
		return nil
	}
	if res == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return res
}

func (s *Service) cacheStore(ctx context.Context, fingerprint string, res *Result, o reqOptions) {
	if s.cache == nil || o.noCache {
		return
	}
	if err := s.cache.Set(ctx, fingerprint, res); err != nil {
		s.logger.Warn("cache store failed", "error", err)
	}
}

// finish records metrics for the outcome and normalizes it into a Result.
func (s *Service) finish(model, op string, res *Result, err error, duration time.Duration) *Result {
	var usage types.Usage
	if res != nil {
		usage = res.Usage
	}
	success := err == nil && res != nil && !res.Failed()
	s.collector.Record(model, op, duration, usage, success)

	if err != nil {
		if res != nil && res.Failed() {
			return res
		}
		return s.failure(model, err, "")
	}
	if res == nil {
		return s.failure(model, dispatcherrors.NewInternalError("", model, "backend returned no result"), "")
	}
	return res
}

// failure converts an error into the uniform failed-result shape.
func (s *Service) failure(model string, err error, sessionID string) *Result {
	derr := dispatcherrors.Classify("", model, err)
	return &Result{
		ModelInfo: types.ModelInfo{Name: model},
		SessionID: sessionID,
		Error:     derr.Message,
		ErrorType: derr.Type,
	}
}

// SessionHistory returns a snapshot of the session.
func (s *Service) SessionHistory(sessionID string) (*session.Session, error) {
	return s.sessions.Get(sessionID)
}

// DeleteSession removes the session, reporting whether it existed.
func (s *Service) DeleteSession(sessionID string) bool {
	return s.sessions.Delete(sessionID)
}

// Models lists the registered model names.
func (s *Service) Models() []string {
	return s.balancer.Models()
}

// ModelInfo describes the named model, resolved through the load balancer.
// An empty model name resolves to the default model. Returns a validation
// error for unregistered models.
func (s *Service) ModelInfo(model string) (ModelInfo, error) {
	if model == "" {
		s.mu.Lock()
		model = s.defaultModel
		s.mu.Unlock()
	}
	return s.balancer.ModelInfo(model)
}

// Stats aggregates counters from every component.
type Stats struct {
	Queue    queue.Stats                         `json:"queue"`
	Cache    cache.Stats                         `json:"cache"`
	Balancer map[string][]balancer.InstanceStats `json:"balancer"`
	Sessions int                                 `json:"sessions"`
	Models   map[string]metrics.ModelStats       `json:"models"`
}

// Stats returns a snapshot of all component counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Queue:    s.queue.Stats(),
		Balancer: s.balancer.Stats(),
		Sessions: s.sessions.Count(),
		Models:   s.collector.Aggregated(),
	}
	if s.cache != nil {
		st.Cache = s.cache.Stats()
	}

	metrics.QueueDepth.Set(float64(st.Queue.QueueSize))
	metrics.ActiveSessions.Set(float64(st.Sessions))
	return st
}

// WriteMetricsSnapshot writes the aggregated metrics to a timestamped JSON
// file, returning its path.
func (s *Service) WriteMetricsSnapshot() (string, error) {
	return s.collector.WriteSnapshot()
}

// Close stops the queue, persists sessions when configured, and releases
// component resources.
func (s *Service) Close() error {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Warn("config watcher close failed", "error", err)
		}
	}
	s.queue.Stop()

	if s.persistPath != "" {
		if err := s.sessions.SaveFile(s.persistPath); err != nil {
			s.logger.Warn("session persistence failed", "path", s.persistPath, "error", err)
		}
	}
	s.sessions.Close()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			return err
		}
	}
	s.logger.Info("dispatch service closed")
	return nil
}

func applyRequestOptions(opts []RequestOption) reqOptions {
	var o reqOptions
	o.priority = queue.PriorityNormal
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
