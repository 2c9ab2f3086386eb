package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.Node.Name = "test-node"
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.Protocol.ConnectionsPerSecond = 5
	cfg.RateLimiting.Protocol.Burst = 10
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Server.Workers != 10 {
		t.Errorf("expected 10 server workers, got %d", cfg.Server.Workers)
	}
	if cfg.Discovery.Workers != 256 {
		t.Errorf("expected 256 probe workers, got %d", cfg.Discovery.Workers)
	}
	if cfg.Discovery.MinPrefix != 0 {
		t.Errorf("expected whole-subnet sweeps by default, got min prefix %d", cfg.Discovery.MinPrefix)
	}
	if cfg.Client.Timeout != 500*time.Millisecond {
		t.Errorf("expected 500ms client timeout, got %s", cfg.Client.Timeout)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.Protocol.ConnectionsPerSecond = 0
	cfg.RateLimiting.Protocol.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty node name", mutate: func(c *Config) { c.Node.Name = "  " }},
		{name: "no server ports", mutate: func(c *Config) { c.Server.Ports = nil }},
		{name: "server port out of range", mutate: func(c *Config) { c.Server.Ports = []int{70000} }},
		{name: "duplicate server port", mutate: func(c *Config) { c.Server.Ports = []int{24914, 24914} }},
		{name: "zero workers", mutate: func(c *Config) { c.Server.Workers = 0 }},
		{name: "zero max params", mutate: func(c *Config) { c.Server.MaxParams = 0 }},
		{name: "zero client timeout", mutate: func(c *Config) { c.Client.Timeout = 0 }},
		{name: "zero discovery interval", mutate: func(c *Config) { c.Discovery.Interval = 0 }},
		{name: "zero probe workers", mutate: func(c *Config) { c.Discovery.Workers = 0 }},
		{name: "min prefix too long", mutate: func(c *Config) { c.Discovery.MinPrefix = 31 }},
		{name: "no stream ports", mutate: func(c *Config) { c.Stream.Ports = []int{} }},
		{name: "tiny max payload", mutate: func(c *Config) { c.Stream.MaxPayload = 10 }},
		{name: "zero failure threshold", mutate: func(c *Config) { c.Stream.FailureThreshold = 0 }},
		{name: "audio without sample rate", mutate: func(c *Config) { c.Capture.Audio.SampleRate = 0 }},
		{name: "beacon without port", mutate: func(c *Config) { c.Beacon.Port = 0 }},
		{name: "admin without address", mutate: func(c *Config) { c.Admin.Address = "" }},
		{name: "tracing sample rate", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
		{name: "http rps must be > 0", mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{name: "http max concurrent must be >= 0", mutate: func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{name: "protocol cps must be > 0", mutate: func(c *Config) { c.RateLimiting.Protocol.ConnectionsPerSecond = 0 }},
		{name: "protocol burst must be > 0", mutate: func(c *Config) { c.RateLimiting.Protocol.Burst = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults, got error: %v", err)
	}
	if len(cfg.Server.Ports) != 4 {
		t.Fatalf("expected default server ports, got %v", cfg.Server.Ports)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
node:
  name: kitchen
server:
  ports: [30001, 30002]
  workers: 4
discovery:
  interval: 5s
stream:
  video_buffer: 30
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Name != "kitchen" {
		t.Errorf("expected node name kitchen, got %q", cfg.Node.Name)
	}
	if len(cfg.Server.Ports) != 2 || cfg.Server.Ports[1] != 30002 {
		t.Errorf("unexpected server ports %v", cfg.Server.Ports)
	}
	if cfg.Server.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Server.Workers)
	}
	if cfg.Discovery.Interval != 5*time.Second {
		t.Errorf("expected 5s interval, got %s", cfg.Discovery.Interval)
	}
	if cfg.Stream.VideoBuffer != 30 || cfg.Stream.AudioBuffer != 120 {
		t.Errorf("unexpected stream buffers %d/%d", cfg.Stream.VideoBuffer, cfg.Stream.AudioBuffer)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LANLINK_NODE_NAME", "from-env")
	t.Setenv("LANLINK_SERVER_PORTS", "40001, 40002,40003")
	t.Setenv("LANLINK_DISCOVERY_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Name != "from-env" {
		t.Errorf("expected env node name, got %q", cfg.Node.Name)
	}
	if len(cfg.Server.Ports) != 3 || cfg.Server.Ports[0] != 40001 || cfg.Server.Ports[2] != 40003 {
		t.Errorf("unexpected ports %v", cfg.Server.Ports)
	}
	if cfg.Discovery.Enabled {
		t.Error("expected discovery disabled by env")
	}
}
