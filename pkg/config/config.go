package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Recency struct {
		// Window bounds the "people you met" query; entries older than
		// this are never returned.
		Window time.Duration `yaml:"window"`
	} `yaml:"recency"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.SendBuffer < 0 {
		return fmt.Errorf("signal.send_buffer must be >= 0")
	}

	if c.Recency.Window <= 0 {
		return fmt.Errorf("recency.window must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64

	cfg.Recency.Window = 7 * 24 * time.Hour

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("DICKSWORD_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("DICKSWORD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("DICKSWORD_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("DICKSWORD_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
