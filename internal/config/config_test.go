package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `
default_model: gpt-x
backends:
  - model: gpt-x
    provider: openai-compatible
    base_url: http://localhost:8001/v1
    api_key: test-key
    weight: 2
  - model: gpt-x
    base_url: http://localhost:8002/v1
queue:
  workers: 4
  max_queue_size: 50
  task_timeout: 30s
cache:
  enabled: true
  type: memory
  max_size: 500
  ttl: 10m
sessions:
  ttl: 30m
  max_sessions: 100
retry:
  max_retries: 2
  initial_backoff: 500ms
rate_limit:
  enabled: true
  rps: 20
  burst: 5
logging:
  level: debug
  format: json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.DefaultModel != "gpt-x" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(cfg.Backends))
	}
	if cfg.Backends[0].Weight != 2 {
		t.Errorf("weight = %d, want 2", cfg.Backends[0].Weight)
	}
	// Defaults filled in for the second backend.
	if cfg.Backends[1].Weight != 1 || cfg.Backends[1].Provider != "openai-compatible" {
		t.Errorf("defaults not applied: %+v", cfg.Backends[1])
	}
	if cfg.Queue.TaskTimeout != 30*time.Second {
		t.Errorf("TaskTimeout = %v", cfg.Queue.TaskTimeout)
	}
	if cfg.RateLimit.RPS != 20 {
		t.Errorf("RPS = %v", cfg.RateLimit.RPS)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no backends", `default_model: x`},
		{"missing base_url", "backends:\n  - model: m\n"},
		{"unknown default model", "default_model: other\nbackends:\n  - model: m\n    base_url: http://x\n"},
		{"bad cache type", "backends:\n  - model: m\n    base_url: http://x\ncache:\n  type: memcached\n"},
		{"bad log level", "backends:\n  - model: m\n    base_url: http://x\nlogging:\n  level: verbose\n"},
		{"rate limit without rps", "backends:\n  - model: m\n    base_url: http://x\nrate_limit:\n  enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFromFile(writeConfig(t, tc.content)); err == nil {
				t.Error("want validation error")
			}
		})
	}
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfig(t, validConfig)

	m, err := NewManager(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	reloaded := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) { reloaded <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	updated := validConfig + "\nmetrics:\n  snapshot_dir: /tmp/metrics\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Metrics.SnapshotDir != "/tmp/metrics" {
			t.Errorf("SnapshotDir = %q", cfg.Metrics.SnapshotDir)
		}
		if m.Get().Metrics.SnapshotDir != "/tmp/metrics" {
			t.Error("Get did not observe the reload")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not observed")
	}
}

func TestManagerKeepsCurrentOnBadReload(t *testing.T) {
	path := writeConfig(t, validConfig)

	m, err := NewManager(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte(":::not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)

	if m.Get().DefaultModel != "gpt-x" {
		t.Error("bad reload replaced the current config")
	}
}
