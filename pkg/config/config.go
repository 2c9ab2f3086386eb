package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"lanlink/pkg/validation"
)

type Config struct {
	Node struct {
		Name   string `yaml:"name"`
		Status string `yaml:"status"`
		About  string `yaml:"about"`
		Avatar string `yaml:"avatar"` // optional path to an image file
	} `yaml:"node"`

	Server struct {
		Ports        []int         `yaml:"ports"`
		Workers      int           `yaml:"workers"`
		QueueSize    int           `yaml:"queue_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		MaxParams    int           `yaml:"max_params"`
		MaxParamSize int           `yaml:"max_param_size"`
	} `yaml:"server"`

	Client struct {
		Timeout time.Duration `yaml:"timeout"`
		Retry   struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
	} `yaml:"client"`

	Discovery struct {
		Enabled      bool          `yaml:"enabled"`
		StartDelay   time.Duration `yaml:"start_delay"`
		Interval     time.Duration `yaml:"interval"`
		Workers      int           `yaml:"workers"`
		ProbeTimeout time.Duration `yaml:"probe_timeout"`
		MinPrefix    int           `yaml:"min_prefix"` // 0 sweeps whole subnets; otherwise wider ones are clamped
	} `yaml:"discovery"`

	Stream struct {
		Ports            []int         `yaml:"ports"`
		VideoBuffer      int           `yaml:"video_buffer"`
		AudioBuffer      int           `yaml:"audio_buffer"`
		MaxPayload       int           `yaml:"max_payload"`
		SendTimeout      time.Duration `yaml:"send_timeout"`
		FailureThreshold int           `yaml:"failure_threshold"`
	} `yaml:"stream"`

	Capture struct {
		Audio struct {
			Enabled    bool `yaml:"enabled"`
			SampleRate int  `yaml:"sample_rate"`
			BufferSize int  `yaml:"buffer_size"`
		} `yaml:"audio"`
		Video struct {
			Enabled   bool `yaml:"enabled"`
			Width     int  `yaml:"width"`
			Height    int  `yaml:"height"`
			FrameRate int  `yaml:"frame_rate"`
		} `yaml:"video"`
	} `yaml:"capture"`

	Call struct {
		AutoAccept bool `yaml:"auto_accept"`
	} `yaml:"call"`

	Beacon struct {
		Enabled bool          `yaml:"enabled"`
		Port    int           `yaml:"port"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"beacon"`

	Admin struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
	} `yaml:"admin"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		Protocol struct {
			ConnectionsPerSecond float64 `yaml:"connections_per_second"`
			Burst                int     `yaml:"burst"`
		} `yaml:"protocol"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if err := validation.ValidateNodeName(c.Node.Name); err != nil {
		return fmt.Errorf("node.name: %w", err)
	}
	if err := validation.ValidateStatus(c.Node.Status); err != nil {
		return fmt.Errorf("node.status: %w", err)
	}

	// Server
	if len(c.Server.Ports) == 0 {
		return fmt.Errorf("server.ports must not be empty")
	}
	if err := validatePorts("server.ports", c.Server.Ports); err != nil {
		return err
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be > 0")
	}
	if c.Server.QueueSize < 0 {
		return fmt.Errorf("server.queue_size must be >= 0")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.MaxParams <= 0 {
		return fmt.Errorf("server.max_params must be > 0")
	}
	if c.Server.MaxParamSize <= 0 {
		return fmt.Errorf("server.max_param_size must be > 0")
	}

	// Client
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be > 0")
	}
	if c.Client.Retry.Enabled && c.Client.Retry.MaxAttempts < 0 {
		return fmt.Errorf("client.retry.max_attempts must be >= 0")
	}

	// Discovery
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be > 0")
	}
	if c.Discovery.StartDelay < 0 {
		return fmt.Errorf("discovery.start_delay must be >= 0")
	}
	if c.Discovery.Workers <= 0 {
		return fmt.Errorf("discovery.workers must be > 0")
	}
	if c.Discovery.ProbeTimeout <= 0 {
		return fmt.Errorf("discovery.probe_timeout must be > 0")
	}
	if c.Discovery.MinPrefix < 0 || c.Discovery.MinPrefix > 30 {
		return fmt.Errorf("discovery.min_prefix must be between 0 and 30")
	}

	// Stream
	if len(c.Stream.Ports) == 0 {
		return fmt.Errorf("stream.ports must not be empty")
	}
	if err := validatePorts("stream.ports", c.Stream.Ports); err != nil {
		return err
	}
	if c.Stream.VideoBuffer <= 0 || c.Stream.AudioBuffer <= 0 {
		return fmt.Errorf("stream.video_buffer and stream.audio_buffer must be > 0")
	}
	if c.Stream.MaxPayload < 64 || c.Stream.MaxPayload > 65000 {
		return fmt.Errorf("stream.max_payload must be between 64 and 65000")
	}
	if c.Stream.SendTimeout <= 0 {
		return fmt.Errorf("stream.send_timeout must be > 0")
	}
	if c.Stream.FailureThreshold <= 0 {
		return fmt.Errorf("stream.failure_threshold must be > 0")
	}

	// Capture
	if c.Capture.Audio.Enabled && (c.Capture.Audio.SampleRate <= 0 || c.Capture.Audio.BufferSize <= 0) {
		return fmt.Errorf("capture.audio.sample_rate and buffer_size must be > 0 when audio is enabled")
	}
	if c.Capture.Video.Enabled && (c.Capture.Video.Width <= 0 || c.Capture.Video.Height <= 0 || c.Capture.Video.FrameRate <= 0) {
		return fmt.Errorf("capture.video.width, height and frame_rate must be > 0 when video is enabled")
	}

	// Beacon
	if c.Beacon.Enabled {
		if c.Beacon.Port <= 0 || c.Beacon.Port > 65535 {
			return fmt.Errorf("beacon.port must be a valid port when beacon.enabled=true")
		}
		if c.Beacon.Timeout <= 0 {
			return fmt.Errorf("beacon.timeout must be > 0 when beacon.enabled=true")
		}
	}

	// Admin
	if c.Admin.Enabled {
		if c.Admin.Address == "" {
			return fmt.Errorf("admin.address must not be empty when admin.enabled=true")
		}
		if c.Admin.ShutdownTimeout <= 0 {
			return fmt.Errorf("admin.shutdown_timeout must be > 0")
		}
		if c.Admin.PingInterval <= 0 {
			return fmt.Errorf("admin.ping_interval must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Protocol.ConnectionsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.protocol.connections_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Protocol.Burst <= 0 {
			return fmt.Errorf("rate_limiting.protocol.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

func validatePorts(field string, ports []int) error {
	seen := make(map[int]bool, len(ports))
	for _, p := range ports {
		if p < 0 || p > 65535 {
			return fmt.Errorf("%s contains invalid port %d", field, p)
		}
		if seen[p] && p != 0 {
			return fmt.Errorf("%s contains duplicate port %d", field, p)
		}
		seen[p] = true
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "lanlink"
	}
	cfg.Node.Name = hostname
	cfg.Node.Status = "available"

	cfg.Server.Ports = []int{24914, 24915, 24916, 24917}
	cfg.Server.Workers = 10
	cfg.Server.QueueSize = 64
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Server.MaxParams = 16
	cfg.Server.MaxParamSize = 1 << 20

	cfg.Client.Timeout = 500 * time.Millisecond
	cfg.Client.Retry.Enabled = true
	cfg.Client.Retry.MaxAttempts = 2
	cfg.Client.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Client.Retry.MaxDelay = time.Second

	cfg.Discovery.Enabled = true
	cfg.Discovery.StartDelay = time.Second
	cfg.Discovery.Interval = 15 * time.Second
	cfg.Discovery.Workers = 256
	cfg.Discovery.ProbeTimeout = 500 * time.Millisecond

	cfg.Stream.Ports = []int{24920, 24921, 24922, 24923}
	cfg.Stream.VideoBuffer = 60
	cfg.Stream.AudioBuffer = 120
	cfg.Stream.MaxPayload = 1200
	cfg.Stream.SendTimeout = 50 * time.Millisecond
	cfg.Stream.FailureThreshold = 25

	cfg.Capture.Audio.Enabled = true
	cfg.Capture.Audio.SampleRate = 48000
	cfg.Capture.Audio.BufferSize = 9600
	cfg.Capture.Video.Enabled = true
	cfg.Capture.Video.Width = 320
	cfg.Capture.Video.Height = 240
	cfg.Capture.Video.FrameRate = 15

	cfg.Call.AutoAccept = false

	cfg.Beacon.Enabled = true
	cfg.Beacon.Port = 8888
	cfg.Beacon.Timeout = 300 * time.Millisecond

	cfg.Admin.Enabled = true
	cfg.Admin.Address = "127.0.0.1:8080"
	cfg.Admin.ReadTimeout = 10 * time.Second
	cfg.Admin.WriteTimeout = 10 * time.Second
	cfg.Admin.ShutdownTimeout = 10 * time.Second
	cfg.Admin.PingInterval = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.Protocol.ConnectionsPerSecond = 20
	cfg.RateLimiting.Protocol.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if name := os.Getenv("LANLINK_NODE_NAME"); name != "" {
		c.Node.Name = name
	}
	if ports := os.Getenv("LANLINK_SERVER_PORTS"); ports != "" {
		if parsed, ok := parsePorts(ports); ok {
			c.Server.Ports = parsed
		}
	}
	if ports := os.Getenv("LANLINK_STREAM_PORTS"); ports != "" {
		if parsed, ok := parsePorts(ports); ok {
			c.Stream.Ports = parsed
		}
	}
	if addr := os.Getenv("LANLINK_ADMIN_ADDRESS"); addr != "" {
		c.Admin.Address = addr
	}
	if level := os.Getenv("LANLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("LANLINK_DISCOVERY_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Discovery.Enabled = enabled
		}
	}
}

// parsePorts parses a comma separated port list such as "24914,24915".
func parsePorts(s string) ([]int, bool) {
	fields := strings.Split(s, ",")
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		p, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, false
		}
		ports = append(ports, p)
	}
	return ports, true
}
