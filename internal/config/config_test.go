package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueName != "plugin-tasks" {
		t.Fatalf("expected default queue name, got %q", cfg.QueueName)
	}
	if cfg.VisibilityTimeout != 30*time.Second {
		t.Fatalf("expected default visibility timeout, got %s", cfg.VisibilityTimeout)
	}
	if cfg.ImageMaxDimension != 8192 || cfg.ImageMaxPixels != 50_000_000 {
		t.Fatalf("expected default image limits, got %d and %d", cfg.ImageMaxDimension, cfg.ImageMaxPixels)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.yaml")
	body := []byte("queue_name: from-file\nworker_concurrency: 8\nvisibility_timeout: 45s\nartifact_driver: s3\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_CONCURRENCY", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueName != "from-file" {
		t.Fatalf("expected queue name from file, got %q", cfg.QueueName)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("expected env to override file, got %d", cfg.WorkerConcurrency)
	}
	if cfg.VisibilityTimeout != 45*time.Second {
		t.Fatalf("expected 45s visibility timeout, got %s", cfg.VisibilityTimeout)
	}
	if cfg.ArtifactDriver != "s3" {
		t.Fatalf("expected s3 artifact driver, got %q", cfg.ArtifactDriver)
	}
	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected untouched default port, got %q", cfg.HTTPPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
