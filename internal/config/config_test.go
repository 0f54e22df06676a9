package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dreamgen.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Store.Type != "sqlite" || cfg.Store.DSN != "dreamgen.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if len(cfg.Artifacts.ExtraDirs) != 1 || cfg.Artifacts.ExtraDirs[0] != "logs" {
		t.Errorf("artifacts.extra_dirs = %v", cfg.Artifacts.ExtraDirs)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Errorf("worker.concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.StageTimeout != 2*time.Hour {
		t.Errorf("worker.stage_timeout = %v", cfg.Worker.StageTimeout)
	}
	if !cfg.Cleanup.Enabled || cfg.Cleanup.Retention != 7*24*time.Hour {
		t.Errorf("cleanup = %+v", cfg.Cleanup)
	}
	if cfg.Mirror.Enabled || cfg.Tracing.Enabled {
		t.Error("mirror and tracing should be off by default")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  shutdown_timeout: 5s
store:
  type: memory
worker:
  concurrency: 3
  stage_timeout: 45m
  env:
    - CUDA_VISIBLE_DEVICES=0
  cgroup:
    enabled: true
    memory_max_mb: 16384
variants:
  file: variants.yaml
`)
	t.Setenv("DREAMGEN_SERVER_ADDR", ":7000")
	t.Setenv("DREAMGEN_WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("DREAMGEN_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":7000" {
		t.Errorf("env should win over file, addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("store.type = %q", cfg.Store.Type)
	}
	if cfg.Worker.Concurrency != 3 || cfg.Worker.StageTimeout != 45*time.Minute {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Errorf("poll_interval = %v", cfg.Worker.PollInterval)
	}
	if len(cfg.Worker.Env) != 1 || cfg.Worker.Env[0] != "CUDA_VISIBLE_DEVICES=0" {
		t.Errorf("worker.env = %v", cfg.Worker.Env)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if got := cfg.StageLimits().MemoryMax; got != 16<<30 {
		t.Errorf("stage memory limit = %d", got)
	}
	if cfg.Variants.File != "variants.yaml" {
		t.Errorf("variants.file = %q", cfg.Variants.File)
	}

	pool := cfg.PoolConfig()
	if pool.Concurrency != 3 || pool.PollInterval != 250*time.Millisecond {
		t.Errorf("PoolConfig = %+v", pool)
	}
	if cfg.ExecutorConfig().StageTimeout != 45*time.Minute {
		t.Error("ExecutorConfig stage timeout")
	}
	if cfg.StoreConfig().Type != "memory" {
		t.Error("StoreConfig type")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{"bad store", "store:\n  type: mongo\n", `unsupported store type "mongo"`},
		{"no dsn", "store:\n  type: postgres\n  dsn: \"\"\n", "store.dsn is required"},
		{"zero workers", "worker:\n  concurrency: 0\n", "worker.concurrency must be at least 1, got 0"},
		{"mirror without bucket", "mirror:\n  enabled: true\n  endpoint: localhost:9000\n",
			"mirror.endpoint and mirror.bucket are required when the mirror is enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || err.Error() != tt.errMsg {
				t.Errorf("Load error = %v, want %q", err, tt.errMsg)
			}
		})
	}
}

func TestMirrorAndTracingConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mirror:
  enabled: true
  endpoint: minio:9000
  bucket: artifacts
  prefix: dreamgen
  use_ssl: false
tracing:
  enabled: true
  endpoint: otel:4318
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	m := cfg.MirrorConfig()
	if m.Endpoint != "minio:9000" || m.Bucket != "artifacts" || m.Prefix != "dreamgen" || m.UseSSL {
		t.Errorf("MirrorConfig = %+v", m)
	}
	tc := cfg.TracingConfig("1.2.3")
	if !tc.Enabled || tc.OTLPEndpoint != "otel:4318" || tc.ServiceVersion != "1.2.3" || tc.ServiceName != "dreamgen" {
		t.Errorf("TracingConfig = %+v", tc)
	}
}
