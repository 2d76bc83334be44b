package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

// StoreConfig holds session store tuning parameters.
type StoreConfig struct {
	TTL               time.Duration // inactivity before a session is sweepable (default: 1h)
	SweepInterval     time.Duration // background sweep period (0 disables the loop)
	MaxSessions       int           // capacity before eviction kicks in (default: 1000)
	DefaultMaxHistory int           // live message bound when none is given (default: 10)
	Logger            *slog.Logger
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TTL:               time.Hour,
		SweepInterval:     5 * time.Minute,
		MaxSessions:       1000,
		DefaultMaxHistory: 10,
	}
}

// Store holds active sessions. Safe for concurrent use; all mutation goes
// through the store, never through returned snapshots.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg        StoreConfig
	summarizer Summarizer
	logger     *slog.Logger

	stopSweep chan struct{}
	closeOnce sync.Once
}

// NewStore creates a session store. A nil summarizer falls back to
// TruncatingSummarizer.
func NewStore(cfg StoreConfig, summarizer Summarizer) *Store {
	def := DefaultStoreConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.DefaultMaxHistory <= 0 {
		cfg.DefaultMaxHistory = def.DefaultMaxHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if summarizer == nil {
		summarizer = TruncatingSummarizer()
	}

	s := &Store{
		sessions:   make(map[string]*Session),
		cfg:        cfg,
		summarizer: summarizer,
		logger:     cfg.Logger.With("component", "session"),
		stopSweep:  make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

// Create registers a new session and returns its snapshot. An empty id gets
// a generated one; creating an existing id returns the existing session.
func (s *Store) Create(id, model string, maxHistory int, metadata map[string]string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if maxHistory <= 0 {
		maxHistory = s.cfg.DefaultMaxHistory
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[id]; ok {
		return snapshot(existing)
	}

	s.evictIfCrowded()

	now := time.Now()
	sess := &Session{
		ID:           id,
		Model:        model,
		MaxHistory:   maxHistory,
		Metadata:     metadata,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[id] = sess
	s.logger.Debug("session created", "session_id", id, "model", model)
	return snapshot(sess)
}

// evictIfCrowded drops the least-recently-active 10% (minimum 1) once the
// store holds at least 90% of capacity. Caller holds the lock.
func (s *Store) evictIfCrowded() {
	if len(s.sessions)*10 < s.cfg.MaxSessions*9 {
		return
	}

	byActivity := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		byActivity = append(byActivity, sess)
	}
	sort.Slice(byActivity, func(i, j int) bool {
		return byActivity[i].LastActivity.Before(byActivity[j].LastActivity)
	})

	n := len(byActivity) / 10
	if n < 1 {
		n = 1
	}
	for _, sess := range byActivity[:n] {
		delete(s.sessions, sess.ID)
	}
	s.logger.Info("evicted idle sessions", "count", n, "remaining", len(s.sessions))
}

// Get returns a snapshot of the session and refreshes its activity time.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, dispatcherrors.NewSessionNotFoundError(id)
	}
	sess.LastActivity = time.Now()
	return snapshot(sess), nil
}

// AddMessage appends to the session's live history, folding the oldest
// excess messages into the rolling summary when the bound is exceeded.
func (s *Store) AddMessage(id string, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return dispatcherrors.NewSessionNotFoundError(id)
	}

	sess.Messages = append(sess.Messages, msg)
	sess.LastActivity = time.Now()

	if excess := len(sess.Messages) - sess.MaxHistory; excess > 0 {
		dropped := sess.Messages[:excess]
		sess.Summary = s.summarizer.Summarize(sess.Summary, dropped)
		sess.Messages = append([]types.Message(nil), sess.Messages[excess:]...)
		s.logger.Debug("folded messages into summary", "session_id", id, "dropped", excess)
	}
	return nil
}

// ContextMessages returns the messages to send to the model: the rolling
// summary as a leading system message (when present) followed by the live
// history.
func (s *Store) ContextMessages(id string) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, dispatcherrors.NewSessionNotFoundError(id)
	}

	var out []types.Message
	if sess.Summary != "" {
		out = append(out, types.Message{
			Role:    "system",
			Content: "Summary of earlier conversation:\n" + sess.Summary,
		})
	}
	out = append(out, sess.Messages...)
	return out, nil
}

// Delete removes the session, reporting whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SweepExpired removes sessions idle beyond the TTL, returning the count.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.TTL)
	var removed int
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept expired sessions", "count", removed)
	}
	return removed
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepExpired()
		case <-s.stopSweep:
			return
		}
	}
}

// Close stops the sweep loop.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopSweep) })
	return nil
}

func snapshot(sess *Session) *Session {
	cp := *sess
	cp.Messages = append([]types.Message(nil), sess.Messages...)
	if sess.Metadata != nil {
		cp.Metadata = make(map[string]string, len(sess.Metadata))
		for k, v := range sess.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
