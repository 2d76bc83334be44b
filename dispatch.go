// Package dispatch is a model-serving dispatch core. It multiplexes
// generate, chat, and embedding requests across interchangeable backend
// instances, with response caching, bounded conversation sessions, retry
// with backoff, weighted load balancing with failover, and a priority
// admission queue bounding in-flight work.
//
// Construct a Service with functional options:
//
//	svc, err := dispatch.New(
//		dispatch.WithBackend("gpt-x", openaicompat.New("gpt-x", "http://localhost:8001/v1"), 2),
//		dispatch.WithBackend("gpt-x", openaicompat.New("gpt-x", "http://localhost:8002/v1"), 1),
//	)
//
// Every operation returns a uniform *Result: on success the payload and
// usage are populated, on failure Error and ErrorType are set. Errors never
// escape the facade as panics.
package dispatch

import (
	"github.com/modelmux/dispatch/internal/queue"
	"github.com/modelmux/dispatch/pkg/types"
)

// Re-exported request and response types.
type (
	Message   = types.Message
	Usage     = types.Usage
	ModelInfo = types.ModelInfo
	GenParams = types.GenParams
	Result    = types.Result
)

// Admission priorities for async requests.
const (
	PriorityLow      = queue.PriorityLow
	PriorityNormal   = queue.PriorityNormal
	PriorityHigh     = queue.PriorityHigh
	PriorityCritical = queue.PriorityCritical
)

// Float64 returns a pointer to v, for use in GenParams literals.
func Float64(v float64) *float64 {
	return types.Float64(v)
}
