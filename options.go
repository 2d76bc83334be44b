package dispatch

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelmux/dispatch/internal/cache"
	"github.com/modelmux/dispatch/internal/client"
	"github.com/modelmux/dispatch/internal/queue"
	"github.com/modelmux/dispatch/internal/session"
	"github.com/modelmux/dispatch/pkg/backend"
)

type backendReg struct {
	model   string
	backend backend.Backend
	weight  int
}

type options struct {
	defaultModel string
	backends     []backendReg

	cache         cache.Cache
	cacheDisabled bool
	memCacheCfg   cache.MemoryCacheConfig

	queueCfg   queue.Config
	retryCfg   client.Config
	sessionCfg session.StoreConfig
	summarizer session.Summarizer

	limiter     *rate.Limiter
	logger      *slog.Logger
	metricsDir  string
	persistPath string
}

// Option configures a Service.
type Option func(*options)

// WithBackend registers a backend instance for the model with the given
// selection weight. May be repeated to add replicas or more models.
func WithBackend(model string, b backend.Backend, weight int) Option {
	return func(o *options) {
		o.backends = append(o.backends, backendReg{model: model, backend: b, weight: weight})
	}
}

// WithDefaultModel sets the model used when a request names none.
// Defaults to the first registered backend's model.
func WithDefaultModel(model string) Option {
	return func(o *options) { o.defaultModel = model }
}

// WithCache replaces the default in-memory response cache.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithMemoryCache tunes the default in-memory response cache.
func WithMemoryCache(cfg cache.MemoryCacheConfig) Option {
	return func(o *options) { o.memCacheCfg = cfg }
}

// WithoutCache disables response caching entirely.
func WithoutCache() Option {
	return func(o *options) { o.cacheDisabled = true }
}

// WithQueue tunes the admission queue.
func WithQueue(cfg queue.Config) Option {
	return func(o *options) { o.queueCfg = cfg }
}

// WithRetry tunes the resilient client shared by all backends.
func WithRetry(cfg client.Config) Option {
	return func(o *options) { o.retryCfg = cfg }
}

// WithSessions tunes the session store.
func WithSessions(cfg session.StoreConfig) Option {
	return func(o *options) { o.sessionCfg = cfg }
}

// WithSummarizer sets the collaborator that folds dropped session messages
// into the rolling summary.
func WithSummarizer(s session.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithSessionPersistence saves sessions to path on Close and restores them
// on startup when the file exists.
func WithSessionPersistence(path string) Option {
	return func(o *options) { o.persistPath = path }
}

// WithRateLimit bounds the request rate across all facade operations.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLogger sets the structured logger for all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetricsSnapshotDir enables JSON metrics snapshots in the directory.
func WithMetricsSnapshotDir(dir string) Option {
	return func(o *options) { o.metricsDir = dir }
}

// reqOptions carries per-request settings.
type reqOptions struct {
	model      string
	noCache    bool
	params     GenParams
	sessionID  string
	maxHistory int
	metadata   map[string]string
	priority   queue.Priority
	timeout    time.Duration
}

// RequestOption configures one facade call.
type RequestOption func(*reqOptions)

// WithModel overrides the default model for this request.
func WithModel(model string) RequestOption {
	return func(o *reqOptions) { o.model = model }
}

// NoCache skips the response cache for this request.
func NoCache() RequestOption {
	return func(o *reqOptions) { o.noCache = true }
}

// WithParams sets the generation parameters.
func WithParams(p GenParams) RequestOption {
	return func(o *reqOptions) { o.params = p }
}

// WithSession targets an existing session. Without it, session-scoped calls
// create a new session.
func WithSession(id string) RequestOption {
	return func(o *reqOptions) { o.sessionID = id }
}

// WithMaxHistory bounds a newly created session's live history.
func WithMaxHistory(n int) RequestOption {
	return func(o *reqOptions) { o.maxHistory = n }
}

// WithSessionMetadata attaches metadata to a newly created session.
func WithSessionMetadata(md map[string]string) RequestOption {
	return func(o *reqOptions) { o.metadata = md }
}

// WithPriority sets the admission priority for async requests.
func WithPriority(p queue.Priority) RequestOption {
	return func(o *reqOptions) { o.priority = p }
}

// WithRequestTimeout bounds an async request's execution time.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *reqOptions) { o.timeout = d }
}
