package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfigIsUsable(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Runtime.MaxNumOfInstances <= 0 {
		t.Fatalf("MaxNumOfInstances = %d, want positive", cfg.Runtime.MaxNumOfInstances)
	}
	if cfg.Pool.Size <= 0 {
		t.Fatalf("Pool.Size = %d, want positive", cfg.Pool.Size)
	}
	if cfg.Daemon.HTTPAddr == "" || cfg.Daemon.GRPCAddr == "" {
		t.Fatal("daemon listener addresses must have defaults")
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.json")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(`{"runtime":{"max_num_of_instances":7},"daemon":{"http_addr":":9999"}}`); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(f.Name())
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Runtime.MaxNumOfInstances != 7 {
		t.Fatalf("MaxNumOfInstances = %d, want 7", cfg.Runtime.MaxNumOfInstances)
	}
	if cfg.Daemon.HTTPAddr != ":9999" {
		t.Fatalf("Daemon.HTTPAddr = %q, want :9999", cfg.Daemon.HTTPAddr)
	}
	// Fields absent from the file must retain their default.
	if cfg.Pool.Size != DefaultConfig().Pool.Size {
		t.Fatalf("Pool.Size = %d, want default %d to survive a partial file", cfg.Pool.Size, DefaultConfig().Pool.Size)
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("NOVAISOLATE_HTTP_ADDR", ":7070")
	t.Setenv("NOVAISOLATE_MAX_NUM_OF_INSTANCES", "42")
	t.Setenv("NOVAISOLATE_MAX_INACTIVE_TIME", "90s")
	t.Setenv("NOVAISOLATE_TRACING_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Daemon.HTTPAddr != ":7070" {
		t.Fatalf("Daemon.HTTPAddr = %q, want :7070", cfg.Daemon.HTTPAddr)
	}
	if cfg.Runtime.MaxNumOfInstances != 42 {
		t.Fatalf("MaxNumOfInstances = %d, want 42", cfg.Runtime.MaxNumOfInstances)
	}
	if cfg.Runtime.MaxInactiveTime != 90*time.Second {
		t.Fatalf("MaxInactiveTime = %v, want 90s", cfg.Runtime.MaxInactiveTime)
	}
	if !cfg.Observability.Tracing.Enabled {
		t.Fatal("Tracing.Enabled should be true after NOVAISOLATE_TRACING_ENABLED=true")
	}
}

func TestLoadFromEnvIgnoresUnsetVars(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	LoadFromEnv(cfg)
	if cfg.Daemon.HTTPAddr != before.Daemon.HTTPAddr {
		t.Fatalf("HTTPAddr changed with no env vars set: got %q, want %q", cfg.Daemon.HTTPAddr, before.Daemon.HTTPAddr)
	}
}

func TestParseBoolAcceptsCommonSpellings(t *testing.T) {
	for _, v := range []string{"true", "TRUE", "1", "yes", "YES"} {
		if !parseBool(v) {
			t.Fatalf("parseBool(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"false", "0", "no", ""} {
		if parseBool(v) {
			t.Fatalf("parseBool(%q) = true, want false", v)
		}
	}
}
