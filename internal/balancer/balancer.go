// Package balancer routes calls across interchangeable backend instances per
// logical model. Selection is weighted round robin over healthy instances;
// instances accumulating failures are taken out of rotation and brought back
// on their next success, with a self-heal escape valve when none remain.
package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/dispatch/internal/client"
	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

const (
	// failureThreshold failures inside failureWindow mark an instance
	// Unavailable.
	failureThreshold = 3
	failureWindow    = 60 * time.Second
)

// Operation is one call executed against a selected instance.
type Operation func(ctx context.Context, c *client.Client) (*types.Result, error)

type instance struct {
	client *client.Client
	weight int
	active bool

	failures  []time.Time // sliding window of recent failure timestamps
	requests  int64
	successes int64
	failed    int64
	lastError string
}

// recordFailure appends a failure timestamp, prunes the window, and
// recomputes health. Reports whether the instance was deactivated.
func (in *instance) recordFailure(now time.Time, msg string) bool {
	in.failed++
	in.lastError = msg
	in.failures = append(in.failures, now)

	cutoff := now.Add(-failureWindow)
	kept := in.failures[:0]
	for _, ts := range in.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	in.failures = kept

	if in.active && len(in.failures) >= failureThreshold {
		in.active = false
		return true
	}
	return false
}

// recordSuccess clears the failure window and restores health.
func (in *instance) recordSuccess() bool {
	in.successes++
	in.failures = in.failures[:0]
	in.lastError = ""
	if !in.active {
		in.active = true
		return true
	}
	return false
}

type modelGroup struct {
	instances []*instance
	virtual   []*instance // each healthy instance repeated weight times
	counter   uint64
}

// rebuild regenerates the weighted virtual list from healthy instances.
func (g *modelGroup) rebuild() {
	g.virtual = g.virtual[:0]
	for _, in := range g.instances {
		if !in.active {
			continue
		}
		for i := 0; i < in.weight; i++ {
			g.virtual = append(g.virtual, in)
		}
	}
}

// Balancer distributes operations across registered instances.
// Safe for concurrent use.
type Balancer struct {
	mu     sync.Mutex
	models map[string]*modelGroup
	logger *slog.Logger
}

// New creates an empty balancer.
func New(logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{
		models: make(map[string]*modelGroup),
		logger: logger.With("component", "balancer"),
	}
}

// Register adds an instance for the model. Weights below 1 are raised to 1.
func (b *Balancer) Register(model string, c *client.Client, weight int) {
	if weight < 1 {
		weight = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.models[model]
	if !ok {
		g = &modelGroup{}
		b.models[model] = g
	}
	g.instances = append(g.instances, &instance{
		client: c,
		weight: weight,
		active: true,
	})
	g.rebuild()

	b.logger.Info("instance registered",
		"model", model,
		"weight", weight,
		"instances", len(g.instances),
	)
}

// Unregister removes the instance from the model's rotation. The model entry
// itself is removed once its last instance is gone.
func (b *Balancer) Unregister(model string, c *client.Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.models[model]
	if !ok {
		return fmt.Errorf("model %s not registered", model)
	}
	for i, in := range g.instances {
		if in.client != c {
			continue
		}
		g.instances = append(g.instances[:i], g.instances[i+1:]...)
		if len(g.instances) == 0 {
			delete(b.models, model)
		} else {
			g.rebuild()
		}
		b.logger.Info("instance unregistered", "model", model, "remaining", len(g.instances))
		return nil
	}
	return fmt.Errorf("instance not registered for model %s", model)
}

// ModelInfo describes the named model, taken from its first registered
// instance. Fails with a validation error for unregistered models.
func (b *Balancer) ModelInfo(model string) (types.ModelInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.models[model]
	if !ok || len(g.instances) == 0 {
		return types.ModelInfo{}, dispatcherrors.NewValidationError("", model,
			fmt.Sprintf("model %s is not registered", model))
	}
	return g.instances[0].client.ModelInfo(), nil
}

// Models lists the registered model names.
func (b *Balancer) Models() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.models))
	for name := range b.models {
		names = append(names, name)
	}
	return names
}

// Has reports whether any instance is registered for the model.
func (b *Balancer) Has(model string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.models[model]
	return ok
}

// Execute runs op against a selected instance for the model, failing over to
// the next healthy instance on retryable errors. No instance is attempted
// twice within one call; fatal errors propagate without failover.
func (b *Balancer) Execute(ctx context.Context, model string, op Operation) (*types.Result, error) {
	attempted := make(map[*instance]bool)

	var lastRes *types.Result
	var lastErr error
	for {
		in, err := b.next(model, attempted)
		if err != nil {
			if lastErr != nil {
				return lastRes, lastErr
			}
			return nil, err
		}
		attempted[in] = true

		res, err := op(ctx, in.client)
		if err == nil {
			b.onSuccess(model, in)
			return res, nil
		}

		b.onFailure(model, in, err)
		lastRes, lastErr = res, err

		if !dispatcherrors.IsRetryable(err) || ctx.Err() != nil {
			return res, err
		}
		b.logger.Warn("failing over to next instance", "model", model, "error", err)
	}
}

// next selects the instance for the model's upcoming call, excluding ones
// already attempted. When every instance is unhealthy, all are temporarily
// restored to rotation before giving up.
func (b *Balancer) next(model string, exclude map[*instance]bool) (*instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.models[model]
	if !ok || len(g.instances) == 0 {
		return nil, dispatcherrors.NewValidationError("", model,
			fmt.Sprintf("no instance registered for model %s", model))
	}

	if len(g.virtual) == 0 {
		b.logger.Warn("no healthy instance, restoring all to rotation", "model", model)
		for _, in := range g.instances {
			in.active = true
			in.failures = in.failures[:0]
		}
		g.rebuild()
	}

	// Weighted round robin over the healthy rotation.
	for range g.virtual {
		in := g.virtual[g.counter%uint64(len(g.virtual))]
		g.counter++
		if exclude[in] {
			continue
		}
		in.requests++
		return in, nil
	}

	// Everything healthy was already attempted; sweep the rest once.
	for _, in := range g.instances {
		if exclude[in] {
			continue
		}
		in.requests++
		return in, nil
	}
	return nil, dispatcherrors.NewConnectionError("", model,
		fmt.Sprintf("all instances exhausted for model %s", model))
}

func (b *Balancer) onSuccess(model string, in *instance) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in.recordSuccess() {
		b.logger.Info("instance recovered", "model", model)
		if g, ok := b.models[model]; ok {
			g.rebuild()
		}
	}
}

func (b *Balancer) onFailure(model string, in *instance, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in.recordFailure(time.Now(), err.Error()) {
		b.logger.Warn("instance deactivated",
			"model", model,
			"failures_in_window", len(in.failures),
			"error", err,
		)
		if g, ok := b.models[model]; ok {
			g.rebuild()
		}
	}
}

// InstanceStats describes one instance's standing in the rotation.
type InstanceStats struct {
	Model     string `json:"model"`
	Weight    int    `json:"weight"`
	Active    bool   `json:"active"`
	Requests  int64  `json:"requests"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Stats returns per-instance standings grouped by model.
func (b *Balancer) Stats() map[string][]InstanceStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]InstanceStats, len(b.models))
	for model, g := range b.models {
		stats := make([]InstanceStats, 0, len(g.instances))
		for _, in := range g.instances {
			stats = append(stats, InstanceStats{
				Model:     in.client.ModelInfo().Name,
				Weight:    in.weight,
				Active:    in.active,
				Requests:  in.requests,
				Successes: in.successes,
				Failures:  in.failed,
				LastError: in.lastError,
			})
		}
		out[model] = stats
	}
	return out
}
