package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/dispatch/internal/client"
	"github.com/modelmux/dispatch/internal/queue"
	"github.com/modelmux/dispatch/internal/session"
	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

// mockBackend is a scriptable backend for facade tests.
type mockBackend struct {
	mu       sync.Mutex
	model    string
	reply    string
	err      error
	calls    int
	lastMsgs []types.Message
	block    chan struct{} // when set, Chat blocks until closed
}

func (m *mockBackend) Chat(ctx context.Context, messages []types.Message, params types.GenParams) (*types.Result, error) {
	m.mu.Lock()
	m.calls++
	m.lastMsgs = append([]types.Message(nil), messages...)
	block := m.block
	err := m.err
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &types.Result{
		Text:  m.reply,
		Usage: types.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}, nil
}

func (m *mockBackend) Embeddings(ctx context.Context, text string) (*types.Result, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &types.Result{Embeddings: []float64{0.5, 0.25}}, nil
}

func (m *mockBackend) ModelInfo() types.ModelInfo {
	return types.ModelInfo{Name: m.model, Provider: "mock"}
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fastRetry() client.Config {
	return client.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetry(fastRetry()),
	}
	svc, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
}

func TestModelInfoResolvesThroughBalancer(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "hi"}
	svc := newTestService(t, WithBackend("gpt-x", mb, 1))

	info, err := svc.ModelInfo("gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "gpt-x", info.Name)
	assert.Equal(t, "mock", info.Provider)

	// Empty model name resolves to the default.
	info, err = svc.ModelInfo("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-x", info.Name)

	_, err = svc.ModelInfo("nope")
	require.Error(t, err)
	var derr *dispatcherrors.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dispatcherrors.TypeValidation, derr.Type)
}

func TestGenerate(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "generated text"}
	svc := newTestService(t, WithBackend("gpt-x", mb, 1))

	res := svc.Generate(context.Background(), "write a haiku")
	require.False(t, res.Failed(), "error: %s", res.Error)
	assert.Equal(t, "generated text", res.Text)
	assert.Equal(t, 6, res.Usage.TotalTokens)
	assert.Equal(t, "gpt-x", res.ModelInfo.Name)

	// The prompt arrives as a single user message.
	require.Len(t, mb.lastMsgs, 1)
	assert.Equal(t, "user", mb.lastMsgs[0].Role)
	assert.Equal(t, "write a haiku", mb.lastMsgs[0].Content)
}

func TestUnknownModelFailsWithoutPanic(t *testing.T) {
	svc := newTestService(t, WithBackend("gpt-x", &mockBackend{model: "gpt-x"}, 1))

	res := svc.Chat(context.Background(),
		[]Message{{Role: "user", Content: "hi"}},
		WithModel("nonexistent"),
	)
	require.True(t, res.Failed())
	assert.Equal(t, dispatcherrors.TypeValidation, res.ErrorType)
}

func TestChatUsesCache(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "cached answer"}
	svc := newTestService(t, WithBackend("gpt-x", mb, 1))

	messages := []Message{{Role: "user", Content: "what is caching"}}
	params := WithParams(GenParams{Temperature: Float64(0.2)})

	first := svc.Chat(context.Background(), messages, params)
	second := svc.Chat(context.Background(), messages, params)

	require.False(t, first.Failed())
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, mb.callCount(), "identical request must be served from cache")

	// Different parameters bypass the cached entry.
	svc.Chat(context.Background(), messages, WithParams(GenParams{Temperature: Float64(0.9)}))
	assert.Equal(t, 2, mb.callCount())

	// NoCache forces a fresh call.
	svc.Chat(context.Background(), messages, params, NoCache())
	assert.Equal(t, 3, mb.callCount())

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Cache.Hits)
}

func TestFailedResultsNotCached(t *testing.T) {
	mb := &mockBackend{
		model: "gpt-x",
		err:   dispatcherrors.NewServerError("mock", "gpt-x", 500, "down"),
	}
	svc := newTestService(t, WithBackend("gpt-x", mb, 1))

	messages := []Message{{Role: "user", Content: "hi"}}
	res := svc.Chat(context.Background(), messages)
	require.True(t, res.Failed())
	assert.Equal(t, dispatcherrors.TypeServer, res.ErrorType)

	// The backend recovers; the failure must not have been cached.
	mb.mu.Lock()
	mb.err = nil
	mb.reply = "recovered"
	mb.mu.Unlock()

	res = svc.Chat(context.Background(), messages)
	require.False(t, res.Failed())
	assert.Equal(t, "recovered", res.Text)
}

func TestChatWithSession(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "nice to meet you"}
	svc := newTestService(t, WithBackend("gpt-x", mb, 1))

	first := svc.ChatWithSession(context.Background(),
		Message{Role: "user", Content: "hello, I am Ada"})
	require.False(t, first.Failed())
	require.NotEmpty(t, first.SessionID)

	second := svc.ChatWithSession(context.Background(),
		Message{Role: "user", Content: "who am I?"},
		WithSession(first.SessionID),
	)
	require.False(t, second.Failed())
	assert.Equal(t, first.SessionID, second.SessionID)

	// The second call carries the whole conversation so far.
	require.Len(t, mb.lastMsgs, 3)
	assert.Equal(t, "hello, I am Ada", mb.lastMsgs[0].Content)
	assert.Equal(t, "nice to meet you", mb.lastMsgs[1].Content)
	assert.Equal(t, "who am I?", mb.lastMsgs[2].Content)

	history, err := svc.SessionHistory(first.SessionID)
	require.NoError(t, err)
	assert.Len(t, history.Messages, 4)

	assert.True(t, svc.DeleteSession(first.SessionID))
	_, err = svc.SessionHistory(first.SessionID)
	require.Error(t, err)
}

func TestChatWithSessionUnknownID(t *testing.T) {
	svc := newTestService(t, WithBackend("gpt-x", &mockBackend{model: "gpt-x"}, 1))

	res := svc.ChatWithSession(context.Background(),
		Message{Role: "user", Content: "hi"},
		WithSession("no-such-session"),
	)
	require.True(t, res.Failed())
	assert.Equal(t, dispatcherrors.TypeSessionNotFound, res.ErrorType)
}

func TestSessionHistoryBoundWithSummary(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "ok"}
	svc := newTestService(t,
		WithBackend("gpt-x", mb, 1),
		WithoutCache(), // identical replies must still hit the backend
	)

	first := svc.ChatWithSession(context.Background(),
		Message{Role: "user", Content: "message one"},
		WithMaxHistory(3),
	)
	require.False(t, first.Failed())

	for _, content := range []string{"message two", "message three"} {
		res := svc.ChatWithSession(context.Background(),
			Message{Role: "user", Content: content},
			WithSession(first.SessionID),
		)
		require.False(t, res.Failed())
	}

	history, err := svc.SessionHistory(first.SessionID)
	require.NoError(t, err)
	assert.Len(t, history.Messages, 3)
	assert.NotEmpty(t, history.Summary, "dropped messages must fold into the summary")
}

func TestEmbeddings(t *testing.T) {
	mb := &mockBackend{model: "embed-x"}
	svc := newTestService(t, WithBackend("embed-x", mb, 1))

	res := svc.Embeddings(context.Background(), "vectorize me")
	require.False(t, res.Failed())
	assert.Equal(t, []float64{0.5, 0.25}, res.Embeddings)

	// Second lookup comes from the cache.
	svc.Embeddings(context.Background(), "vectorize me")
	assert.Equal(t, 1, mb.callCount())
}

func TestChatAsync(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "async answer"}
	svc := newTestService(t, WithBackend("gpt-x", mb, 1))

	ar, err := svc.ChatAsync(
		[]Message{{Role: "user", Content: "hi"}},
		WithPriority(PriorityHigh),
	)
	require.NoError(t, err)
	require.NotEmpty(t, ar.ID())

	res := ar.Wait(context.Background())
	require.False(t, res.Failed(), "error: %s", res.Error)
	assert.Equal(t, "async answer", res.Text)
}

func TestAsyncQueueFull(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	mb := &mockBackend{model: "gpt-x", reply: "slow", block: block}

	svc := newTestService(t,
		WithBackend("gpt-x", mb, 1),
		WithQueue(queue.Config{Workers: 1, MaxConcurrent: 1, MaxQueueSize: 1}),
	)

	// First request occupies the worker, second fills the queue.
	_, err := svc.ChatAsync([]Message{{Role: "user", Content: "one"}})
	require.NoError(t, err)
	waitFor(t, func() bool { return svc.Stats().Queue.Active > 0 })

	_, err = svc.ChatAsync([]Message{{Role: "user", Content: "two"}})
	require.NoError(t, err)

	_, err = svc.ChatAsync([]Message{{Role: "user", Content: "three"}})
	require.Error(t, err)
	var derr *dispatcherrors.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dispatcherrors.TypeQueueFull, derr.Type)
}

func TestStatsAggregation(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "ok"}
	svc := newTestService(t, WithBackend("gpt-x", mb, 2))

	svc.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	svc.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}) // cache hit

	stats := svc.Stats()
	require.Len(t, stats.Balancer["gpt-x"], 1)
	assert.Equal(t, int64(1), stats.Models["gpt-x"].Requests)
	assert.Equal(t, int64(1), stats.Cache.Hits)
	assert.True(t, stats.Balancer["gpt-x"][0].Active)
}

func TestSessionPersistenceAcrossRestart(t *testing.T) {
	path := t.TempDir() + "/sessions.json"
	mb := &mockBackend{model: "gpt-x", reply: "remembered"}

	svc := newTestService(t,
		WithBackend("gpt-x", mb, 1),
		WithSessionPersistence(path),
	)
	res := svc.ChatWithSession(context.Background(), Message{Role: "user", Content: "hello"})
	require.False(t, res.Failed())
	require.NoError(t, svc.Close())

	restored := newTestService(t,
		WithBackend("gpt-x", mb, 1),
		WithSessionPersistence(path),
	)
	history, err := restored.SessionHistory(res.SessionID)
	require.NoError(t, err)
	assert.Len(t, history.Messages, 2)
}

func TestCustomSummarizer(t *testing.T) {
	mb := &mockBackend{model: "gpt-x", reply: "ok"}
	svc := newTestService(t,
		WithBackend("gpt-x", mb, 1),
		WithoutCache(),
		WithSummarizer(session.SummarizerFunc(func(existing string, dropped []types.Message) string {
			return existing + "[condensed]"
		})),
	)

	first := svc.ChatWithSession(context.Background(),
		Message{Role: "user", Content: "one"}, WithMaxHistory(2))
	svc.ChatWithSession(context.Background(),
		Message{Role: "user", Content: "two"}, WithSession(first.SessionID))

	history, err := svc.SessionHistory(first.SessionID)
	require.NoError(t, err)
	assert.Contains(t, history.Summary, "[condensed]")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
