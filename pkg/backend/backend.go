// Package backend defines the contract a model backend instance must
// implement to be dispatched to. A backend is one concrete, interchangeable
// endpoint capable of serving a given model.
package backend

import (
	"context"

	"github.com/modelmux/dispatch/pkg/types"
)

// Backend is a single model-serving endpoint.
//
// Implementations return a populated Result on success and an error (ideally
// a *errors.DispatchError) on failure; the resilient client classifies and
// retries around these calls, so implementations should not retry themselves.
type Backend interface {
	// Chat runs a chat completion over the given messages.
	Chat(ctx context.Context, messages []types.Message, params types.GenParams) (*types.Result, error)

	// Embeddings produces a vector representation of the text.
	Embeddings(ctx context.Context, text string) (*types.Result, error)

	// ModelInfo describes the model served by this backend.
	ModelInfo() types.ModelInfo
}
