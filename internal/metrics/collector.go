// Package metrics records per-request samples, aggregates them on demand,
// and exports Prometheus instruments under the dispatch namespace.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/modelmux/dispatch/pkg/types"
)

// Sample is one recorded request outcome. Samples are write-only; aggregation
// happens on demand.
type Sample struct {
	Model     string        `json:"model"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Usage     types.Usage   `json:"usage"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// ModelStats is the aggregated view for one model.
type ModelStats struct {
	Requests    int64         `json:"requests"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	TotalTokens int64         `json:"total_tokens"`
}

// Collector accumulates samples in memory. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	samples []Sample

	snapshotDir string
}

// NewCollector creates a collector. snapshotDir may be empty to disable
// snapshot files.
func NewCollector(snapshotDir string) *Collector {
	return &Collector{snapshotDir: snapshotDir}
}

// Record stores one request outcome and updates the Prometheus instruments.
func (c *Collector) Record(model, operation string, duration time.Duration, usage types.Usage, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	RequestsTotal.WithLabelValues(model, operation, status).Inc()
	RequestDuration.WithLabelValues(model, operation).Observe(duration.Seconds())
	if usage.PromptTokens > 0 {
		TokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		TokensTotal.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, Sample{
		Model:     model,
		Operation: operation,
		Duration:  duration,
		Usage:     usage,
		Success:   success,
		Timestamp: time.Now(),
	})
}

// Aggregated groups the recorded samples by model.
func (c *Collector) Aggregated() map[string]ModelStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	sums := make(map[string]time.Duration)
	out := make(map[string]ModelStats)
	for _, s := range c.samples {
		stats := out[s.Model]
		stats.Requests++
		if s.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		if s.Duration > stats.MaxDuration {
			stats.MaxDuration = s.Duration
		}
		stats.TotalTokens += int64(s.Usage.TotalTokens)
		sums[s.Model] += s.Duration
		out[s.Model] = stats
	}
	for model, stats := range out {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Requests)
		stats.AvgDuration = sums[model] / time.Duration(stats.Requests)
		out[model] = stats
	}
	return out
}

// SampleCount returns the number of recorded samples.
func (c *Collector) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// WriteSnapshot writes the aggregated stats to a timestamped JSON file in
// the snapshot directory, returning the file path.
func (c *Collector) WriteSnapshot() (string, error) {
	if c.snapshotDir == "" {
		return "", fmt.Errorf("no snapshot directory configured")
	}
	if err := os.MkdirAll(c.snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	payload := struct {
		GeneratedAt time.Time             `json:"generated_at"`
		SampleCount int                   `json:"sample_count"`
		Models      map[string]ModelStats `json:"models"`
	}{
		GeneratedAt: time.Now(),
		SampleCount: c.SampleCount(),
		Models:      c.Aggregated(),
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(c.snapshotDir,
		fmt.Sprintf("metrics_%s.json", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// Reset drops all recorded samples.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = nil
}
