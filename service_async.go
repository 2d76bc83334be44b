package dispatch

import (
	"context"

	"github.com/modelmux/dispatch/internal/metrics"
	"github.com/modelmux/dispatch/internal/queue"
	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

// AsyncResult is the caller's view of a queued request.
type AsyncResult struct {
	handle *queue.Handle
	model  string
}

// ID returns the queued request's identifier.
func (a *AsyncResult) ID() string {
	return a.handle.ID()
}

// Done is closed once the request has resolved.
func (a *AsyncResult) Done() <-chan struct{} {
	return a.handle.Done()
}

// Wait blocks until the request resolves or ctx is done, returning the
// uniform result shape. Queue timeouts and shutdown cancellations surface
// as failed results.
func (a *AsyncResult) Wait(ctx context.Context) *Result {
	v, err := a.handle.Wait(ctx)
	if err != nil {
		derr := dispatcherrors.Classify("", a.model, err)
		return &Result{
			ModelInfo: types.ModelInfo{Name: a.model},
			Error:     derr.Message,
			ErrorType: derr.Type,
		}
	}
	return v.(*Result)
}

// GenerateAsync queues a single-prompt completion through the admission
// queue. It fails synchronously when the queue is at capacity.
func (s *Service) GenerateAsync(prompt string, opts ...RequestOption) (*AsyncResult, error) {
	o := applyRequestOptions(opts)
	return s.enqueue(o, func(ctx context.Context) (any, error) {
		messages := []types.Message{{Role: "user", Content: prompt}}
		return s.dispatchChat(ctx, "generate", messages, o), nil
	})
}

// ChatAsync queues a chat completion through the admission queue.
func (s *Service) ChatAsync(messages []Message, opts ...RequestOption) (*AsyncResult, error) {
	o := applyRequestOptions(opts)
	return s.enqueue(o, func(ctx context.Context) (any, error) {
		return s.dispatchChat(ctx, "chat", messages, o), nil
	})
}

// EmbeddingsAsync queues an embeddings request through the admission queue.
func (s *Service) EmbeddingsAsync(text string, opts ...RequestOption) (*AsyncResult, error) {
	o := applyRequestOptions(opts)
	return s.enqueue(o, func(ctx context.Context) (any, error) {
		return s.Embeddings(ctx, text, restoreOptions(o)...), nil
	})
}

func (s *Service) enqueue(o reqOptions, task queue.Task) (*AsyncResult, error) {
	eopts := []queue.EnqueueOption{queue.WithPriority(o.priority)}
	if o.timeout > 0 {
		eopts = append(eopts, queue.WithTimeout(o.timeout))
	}

	h, err := s.queue.Enqueue(task, eopts...)
	if err != nil {
		return nil, err
	}
	metrics.QueueDepth.Set(float64(s.queue.Stats().QueueSize))
	return &AsyncResult{handle: h, model: s.resolveModel(o)}, nil
}

// restoreOptions rebuilds the option list from resolved request options so a
// sync method can be reused inside a queued task.
func restoreOptions(o reqOptions) []RequestOption {
	var opts []RequestOption
	if o.model != "" {
		opts = append(opts, WithModel(o.model))
	}
	if o.noCache {
		opts = append(opts, NoCache())
	}
	opts = append(opts, WithParams(o.params))
	return opts
}
