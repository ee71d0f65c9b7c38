package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"TOOLRUN_DATA_DIR", "TOOLRUN_LISTEN_ADDR", "TOOLRUN_BASE_URL", "TOOLRUN_DB_DSN", "TOOLRUN_SANDBOX_TIMEOUT_MS", "OPENAI_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "toolrun.yaml", `
data_dir: /var/lib/toolrun
http:
  listen_addr: ":9090"
  api_key_user_mapping:
    secret-key: alice
sandbox:
  timeout_ms: 1500
fetch:
  allowed_domains: [example.com]
retention:
  enabled: true
  invocation_days: 7
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTP.Addr() != ":9090" || cfg.HTTP.APIKeyUserMapping["secret-key"] != "alice" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.Sandbox.Timeout() != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v", cfg.Sandbox.Timeout())
	}
	if cfg.Retention.MaxAge() != 7*24*time.Hour || cfg.Retention.CronSchedule() != "@daily" {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if cfg.Uploads.BaseURL != "http://localhost:9090" {
		t.Errorf("BaseURL = %q", cfg.Uploads.BaseURL)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "toolrun.json", `{"embedding": {"provider": "hash", "dimensions": 64}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Embedding.Dimensions != 64 {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOLRUN_DB_DSN", "postgres://u:p@localhost/toolrun")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TOOLRUN_SANDBOX_TIMEOUT_MS", "750")

	p := writeConfig(t, "toolrun.yaml", "embedding:\n  provider: openai\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Embedding.APIKey != "sk-test" {
		t.Errorf("APIKey not taken from env")
	}
	if cfg.Sandbox.Timeout() != 750*time.Millisecond {
		t.Errorf("Timeout() = %v", cfg.Sandbox.Timeout())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"bad driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"openai without key", "embedding:\n  provider: openai\n", "api_key"},
		{"unknown embedder", "embedding:\n  provider: magic\n", "embedding.provider"},
		{"negative timeout", "sandbox:\n  timeout_ms: -1\n", "timeout_ms"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n", "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, "c.yaml", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOLRUN_DATA_DIR", "/tmp/toolrun-test")
	cfg := Default()
	if cfg.ResolvedDataDir() != "/tmp/toolrun-test" {
		t.Errorf("ResolvedDataDir() = %q", cfg.ResolvedDataDir())
	}
	if cfg.HTTP.Addr() != ":8080" || cfg.HTTP.MaxBodyBytes() != 16<<20 {
		t.Errorf("http defaults = %q %d", cfg.HTTP.Addr(), cfg.HTTP.MaxBodyBytes())
	}
	if cfg.MetricsEnabled() {
		t.Error("metrics should be off by default")
	}
}
