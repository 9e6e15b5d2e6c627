package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
job:
  data_dir: /var/lib/linksentry/jobs
  worker_default: 8
  max_depth_default: 3
  delete_on_complete: false
  claim_retry_ms: 100
http:
  timeout_seconds: 45
  user_agent: sentry-agent
  max_body_bytes: 1048576
history:
  path: /var/lib/linksentry/history.db
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Job.DataDir != "/var/lib/linksentry/jobs" || cfg.Job.WorkerDefault != 8 {
		t.Fatalf("expected job overrides to apply: %+v", cfg.Job)
	}
	if cfg.Job.DeleteOnComplete {
		t.Fatal("expected delete_on_complete false")
	}
	if cfg.HTTP.UserAgent != "sentry-agent" || cfg.HTTP.MaxBodyBytes != 1048576 {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.History.Path != "/var/lib/linksentry/history.db" {
		t.Fatalf("expected history path override, got %q", cfg.History.Path)
	}
	if got := cfg.HTTPTimeout(); got != 45*time.Second {
		t.Fatalf("expected http timeout 45s, got %v", got)
	}
	if got := cfg.ClaimRetryWait(); got != 100*time.Millisecond {
		t.Fatalf("expected claim retry 100ms, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Job.MaxDepthDefault != -1 {
		t.Fatalf("expected unlimited default depth, got %d", cfg.Job.MaxDepthDefault)
	}
	if !cfg.Job.DeleteOnComplete {
		t.Fatal("expected delete_on_complete default true")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Job:     JobConfig{DataDir: "data", WorkerDefault: 2, MaxDepthDefault: -1},
		HTTP:    HTTPConfig{TimeoutSeconds: 10},
		History: HistoryConfig{Path: "history.db"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing data dir",
			cfg: func() Config {
				c := base
				c.Job.DataDir = ""
				return c
			}(),
			want: "job.data_dir",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Job.WorkerDefault = 0
				return c
			}(),
			want: "job.worker_default",
		},
		{
			name: "invalid depth",
			cfg: func() Config {
				c := base
				c.Job.MaxDepthDefault = -2
				return c
			}(),
			want: "job.max_depth_default",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "missing history path",
			cfg: func() Config {
				c := base
				c.History.Path = ""
				return c
			}(),
			want: "history.path",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
