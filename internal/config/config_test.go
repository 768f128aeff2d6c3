package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configKeys = []string{
	"GALLERY_DB", "MATCH_THRESHOLD", "DETECTION_INTERVAL", "CAMERA_DEVICE", "CAMERA_FORMAT",
	"WORKER_PYTHON", "WORKER_SCRIPT", "WORKER_TIMEOUT", "MATCHER", "DETAILS_POLICY",
	"LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every key so the host environment can't leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GalleryDB != DefaultGalleryDB {
		t.Errorf("expected gallery %q, got %q", DefaultGalleryDB, cfg.GalleryDB)
	}
	if cfg.Matching.Threshold != 0.4 {
		t.Errorf("expected threshold 0.4, got %v", cfg.Matching.Threshold)
	}
	if cfg.Matching.Interval != 500*time.Millisecond {
		t.Errorf("expected interval 500ms, got %v", cfg.Matching.Interval)
	}
	if cfg.Matching.Matcher != "scan" || cfg.Matching.DetailsPolicy != "first" {
		t.Errorf("unexpected matcher/policy %q/%q", cfg.Matching.Matcher, cfg.Matching.DetailsPolicy)
	}
	if cfg.Camera.Device != "/dev/video0" || cfg.Camera.Format != "v4l2" {
		t.Errorf("unexpected camera %+v", cfg.Camera)
	}
	if cfg.Worker.Timeout != 30*time.Second {
		t.Errorf("expected worker timeout 30s, got %v", cfg.Worker.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("GALLERY_DB", "postgres://localhost:5432/watchtower")
	t.Setenv("MATCH_THRESHOLD", "0.35")
	t.Setenv("DETECTION_INTERVAL", "0.25") // plain seconds
	t.Setenv("MATCHER", "hnsw")
	t.Setenv("DETAILS_POLICY", "latest")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GalleryDB != "postgres://localhost:5432/watchtower" {
		t.Errorf("unexpected gallery %q", cfg.GalleryDB)
	}
	if cfg.Matching.Threshold != 0.35 {
		t.Errorf("expected threshold 0.35, got %v", cfg.Matching.Threshold)
	}
	if cfg.Matching.Interval != 250*time.Millisecond {
		t.Errorf("expected interval 250ms, got %v", cfg.Matching.Interval)
	}
	if cfg.Matching.Matcher != "hnsw" || cfg.Matching.DetailsPolicy != "latest" {
		t.Errorf("unexpected matcher/policy %q/%q", cfg.Matching.Matcher, cfg.Matching.DetailsPolicy)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("MATCH_THRESHOLD", "close enough")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "MATCH_THRESHOLD") {
		t.Errorf("expected MATCH_THRESHOLD error, got %v", err)
	}
}

func TestLoad_FileOverridesEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MATCH_THRESHOLD", "0.3")
	t.Setenv("CAMERA_DEVICE", "/dev/video2")

	path := filepath.Join(t.TempDir(), "watchtower.yaml")
	yamlData := `
gallery_db: /var/lib/watchtower/faces.db
matching:
  threshold: 0.5
  interval: 1s
camera:
  format: avfoundation
worker:
  timeout: 10s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GalleryDB != "/var/lib/watchtower/faces.db" {
		t.Errorf("unexpected gallery %q", cfg.GalleryDB)
	}
	if cfg.Matching.Threshold != 0.5 || cfg.Matching.Interval != time.Second {
		t.Errorf("file values not applied: %+v", cfg.Matching)
	}
	// Keys missing from the file keep the environment value
	if cfg.Camera.Device != "/dev/video2" || cfg.Camera.Format != "avfoundation" {
		t.Errorf("unexpected camera %+v", cfg.Camera)
	}
	if cfg.Worker.Timeout != 10*time.Second || cfg.Log.Level != "debug" {
		t.Errorf("unexpected worker/log %+v %+v", cfg.Worker, cfg.Log)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero threshold", func(c *Config) { c.Matching.Threshold = 0 }, "threshold"},
		{"threshold above 2", func(c *Config) { c.Matching.Threshold = 2.5 }, "threshold"},
		{"threshold of 2 is allowed", func(c *Config) { c.Matching.Threshold = 2 }, ""},
		{"negative interval", func(c *Config) { c.Matching.Interval = -time.Second }, "interval"},
		{"unknown matcher", func(c *Config) { c.Matching.Matcher = "faiss" }, "matcher"},
		{"unknown policy", func(c *Config) { c.Matching.DetailsPolicy = "random" }, "details policy"},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"empty gallery", func(c *Config) { c.GalleryDB = "" }, "gallery"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
