package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"carelink/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs           []string `yaml:"urls"`
	Username       string   `yaml:"username,omitempty"`
	Credential     string   `yaml:"credential,omitempty"`
	CredentialType string   `yaml:"credential_type,omitempty"` // "password" (default) or "hmac-sha1"
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Session struct {
		MaxReconnectAttempts  int           `yaml:"max_reconnect_attempts"`
		ReconnectTimeout      time.Duration `yaml:"reconnect_timeout"`
		NegotiationTimeout    time.Duration `yaml:"negotiation_timeout"`
		QualityHistorySize    int           `yaml:"quality_history_size"`
		QualitySampleInterval time.Duration `yaml:"quality_sample_interval"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	RoomSwitch struct {
		SwitchTimeout   time.Duration `yaml:"switch_timeout"`
		RollbackTimeout time.Duration `yaml:"rollback_timeout"`
	} `yaml:"room_switch"`

	Signal struct {
		Transport         string        `yaml:"transport"` // websocket or mqtt
		URL               string        `yaml:"url"`
		MQTTBroker        string        `yaml:"mqtt_broker"`
		MQTTTopicPrefix   string        `yaml:"mqtt_topic_prefix"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	} `yaml:"signal"`

	Credentials struct {
		Mode      string        `yaml:"mode"` // jwt or http
		Endpoint  string        `yaml:"endpoint"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`

		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`

		CircuitBreaker struct {
			Enabled          bool          `yaml:"enabled"`
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"credentials"`

	Analytics struct {
		Enabled       bool          `yaml:"enabled"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		RedisChannel  string        `yaml:"redis_channel"`
	} `yaml:"analytics"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.RequestsPerSecond <= 0 || c.Server.RateLimit.Burst <= 0) {
		return fmt.Errorf("server.rate_limit.requests_per_second and burst must be > 0 when enabled")
	}

	// Session
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("session.max_reconnect_attempts must be >= 0")
	}
	if c.Session.ReconnectTimeout <= 0 {
		return fmt.Errorf("session.reconnect_timeout must be > 0")
	}
	if c.Session.NegotiationTimeout <= 0 {
		return fmt.Errorf("session.negotiation_timeout must be > 0")
	}
	if c.Session.QualityHistorySize <= 0 {
		return fmt.Errorf("session.quality_history_size must be > 0")
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		switch s.CredentialType {
		case "", "password", "hmac-sha1":
		default:
			return fmt.Errorf("webrtc.ice_servers[%d].credential_type %q is not supported", i, s.CredentialType)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.RoomSwitch.SwitchTimeout <= 0 {
		return fmt.Errorf("room_switch.switch_timeout must be > 0")
	}
	if c.RoomSwitch.RollbackTimeout <= 0 {
		return fmt.Errorf("room_switch.rollback_timeout must be > 0")
	}

	// Signal
	switch c.Signal.Transport {
	case "websocket":
		if c.Signal.URL == "" {
			return fmt.Errorf("signal.url must not be empty for websocket transport")
		}
	case "mqtt":
		if c.Signal.MQTTBroker == "" {
			return fmt.Errorf("signal.mqtt_broker must not be empty for mqtt transport")
		}
	default:
		return fmt.Errorf("signal.transport must be websocket or mqtt, got %q", c.Signal.Transport)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than ping_interval")
	}
	if c.Signal.MessagesPerSecond <= 0 || c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.messages_per_second and burst must be > 0")
	}

	// Credentials
	switch c.Credentials.Mode {
	case "jwt":
		if c.Credentials.JWTSecret == "" {
			return fmt.Errorf("credentials.jwt_secret must not be empty in jwt mode")
		}
		if c.Credentials.TokenTTL <= 0 {
			return fmt.Errorf("credentials.token_ttl must be > 0")
		}
	case "http":
		if err := validation.ValidateURL(c.Credentials.Endpoint); err != nil {
			return fmt.Errorf("credentials.endpoint: %w", err)
		}
	default:
		return fmt.Errorf("credentials.mode must be jwt or http, got %q", c.Credentials.Mode)
	}
	if c.Credentials.Retry.Enabled && c.Credentials.Retry.MaxAttempts < 0 {
		return fmt.Errorf("credentials.retry.max_attempts must be >= 0")
	}
	if c.Credentials.CircuitBreaker.Enabled && c.Credentials.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("credentials.circuit_breaker.failure_threshold must be > 0")
	}

	// Analytics
	if c.Analytics.Enabled {
		if c.Analytics.BatchSize <= 0 {
			return fmt.Errorf("analytics.batch_size must be > 0")
		}
		if c.Analytics.FlushInterval <= 0 {
			return fmt.Errorf("analytics.flush_interval must be > 0")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
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

	cfg.Server.Address = ":8090"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 20
	cfg.Server.RateLimit.Burst = 40
	cfg.Server.RateLimit.MaxConcurrent = 100

	cfg.Session.MaxReconnectAttempts = 3
	cfg.Session.ReconnectTimeout = 10 * time.Second
	cfg.Session.NegotiationTimeout = 15 * time.Second
	cfg.Session.QualityHistorySize = 30
	cfg.Session.QualitySampleInterval = 5 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.RoomSwitch.SwitchTimeout = 20 * time.Second
	cfg.RoomSwitch.RollbackTimeout = 20 * time.Second

	cfg.Signal.Transport = "websocket"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.MQTTTopicPrefix = "carelink/signal"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MessagesPerSecond = 50
	cfg.Signal.Burst = 100
	cfg.Signal.MaxMessageBytes = 64 * 1024

	cfg.Credentials.Mode = "jwt"
	cfg.Credentials.JWTSecret = "change-me-in-production"
	cfg.Credentials.TokenTTL = time.Hour
	cfg.Credentials.Retry.Enabled = true
	cfg.Credentials.Retry.MaxAttempts = 3
	cfg.Credentials.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Credentials.Retry.MaxDelay = 2 * time.Second
	cfg.Credentials.CircuitBreaker.Enabled = true
	cfg.Credentials.CircuitBreaker.FailureThreshold = 5
	cfg.Credentials.CircuitBreaker.SuccessThreshold = 2
	cfg.Credentials.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Analytics.Enabled = true
	cfg.Analytics.BatchSize = 50
	cfg.Analytics.FlushInterval = 2 * time.Second
	cfg.Analytics.RedisChannel = "carelink:analytics"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.CacheTTL = time.Minute

	cfg.Tracing.ServiceName = "carelink-session-agent"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CARELINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("CARELINK_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if transport := os.Getenv("CARELINK_SIGNAL_TRANSPORT"); transport != "" {
		c.Signal.Transport = transport
	}
	if broker := os.Getenv("CARELINK_MQTT_BROKER"); broker != "" {
		c.Signal.MQTTBroker = broker
	}
	if level := os.Getenv("CARELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CARELINK_JWT_SECRET"); secret != "" {
		c.Credentials.JWTSecret = secret
	}
	if endpoint := os.Getenv("CARELINK_CREDENTIALS_ENDPOINT"); endpoint != "" {
		c.Credentials.Mode = "http"
		c.Credentials.Endpoint = endpoint
	}
	if addr := os.Getenv("CARELINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if v := os.Getenv("CARELINK_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxReconnectAttempts = n
		}
	}
}
