package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"partymesh/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// MediaSource describes where local RTP for one media kind comes from.
type MediaSource struct {
	// VideoAddress and AudioAddress are UDP addresses RTP arrives on, e.g. "127.0.0.1:5004".
	VideoAddress string `yaml:"video_address"`
	AudioAddress string `yaml:"audio_address"`
	VideoCodec   string `yaml:"video_codec"`
	Label        string `yaml:"label"`
	// DisplaySurface is "monitor", "window" or "browser" for screen captures.
	DisplaySurface string `yaml:"display_surface"`
	Width          int    `yaml:"width"`
	Height         int    `yaml:"height"`
}

type Config struct {
	Identity struct {
		DisplayName string `yaml:"display_name"`
		Email       string `yaml:"email"`
	} `yaml:"identity"`

	Room struct {
		Code  string `yaml:"code"`
		Owner bool   `yaml:"owner"`
	} `yaml:"room"`

	Rendezvous struct {
		Backend            string        `yaml:"backend"` // http, redis or memory
		URL                string        `yaml:"url"`
		HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
		ExpiryWindow       time.Duration `yaml:"expiry_window"`
		PollInterval       time.Duration `yaml:"poll_interval"`
		PollJitter         time.Duration `yaml:"poll_jitter"`
		SignalPollInterval time.Duration `yaml:"signal_poll_interval"`
		RequestTimeout     time.Duration `yaml:"request_timeout"`
		RegisterAttempts   int           `yaml:"register_attempts"`
		FailureThreshold   int           `yaml:"failure_threshold"`
	} `yaml:"rendezvous"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		PLIInterval    time.Duration `yaml:"pli_interval"`
		// CloseGrace bounds how long a closing link waits for queued
		// control messages to be acknowledged.
		CloseGrace time.Duration `yaml:"close_grace"`
	} `yaml:"webrtc"`

	Mesh struct {
		MinParticipants int     `yaml:"min_participants"`
		MaxParticipants int     `yaml:"max_participants"`
		MessageRate     float64 `yaml:"message_rate"`
		MessageBurst    int     `yaml:"message_burst"`
	} `yaml:"mesh"`

	Bans struct {
		Store string `yaml:"store"` // memory or redis
	} `yaml:"bans"`

	Media struct {
		Camera MediaSource `yaml:"camera"`
		Screen MediaSource `yaml:"screen"`
	} `yaml:"media"`

	Auth struct {
		JoinSecret   string        `yaml:"join_secret"`
		JoinToken    string        `yaml:"join_token"`
		JoinTokenTTL time.Duration `yaml:"join_token_ttl"`
	} `yaml:"auth"`

	API struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		Token           string        `yaml:"token"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
	} `yaml:"api"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxEventStreams   int     `yaml:"max_event_streams"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SamplingRate   float64 `yaml:"sampling_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Rendezvous
	switch c.Rendezvous.Backend {
	case "http":
		if err := validation.ValidateURL(c.Rendezvous.URL); err != nil {
			return fmt.Errorf("rendezvous.url: %w", err)
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("rendezvous.backend must be one of http, redis, memory")
	}
	if c.Rendezvous.HeartbeatInterval <= 0 {
		return fmt.Errorf("rendezvous.heartbeat_interval must be > 0")
	}
	if c.Rendezvous.HeartbeatInterval >= c.Rendezvous.ExpiryWindow {
		return fmt.Errorf("rendezvous.heartbeat_interval must be < rendezvous.expiry_window")
	}
	if c.Rendezvous.PollInterval <= 0 {
		return fmt.Errorf("rendezvous.poll_interval must be > 0")
	}
	if c.Rendezvous.PollJitter < 0 {
		return fmt.Errorf("rendezvous.poll_jitter must be >= 0")
	}
	if c.Rendezvous.SignalPollInterval <= 0 {
		return fmt.Errorf("rendezvous.signal_poll_interval must be > 0")
	}
	if c.Rendezvous.RequestTimeout <= 0 {
		return fmt.Errorf("rendezvous.request_timeout must be > 0")
	}
	if c.Rendezvous.RegisterAttempts < 0 {
		return fmt.Errorf("rendezvous.register_attempts must be >= 0")
	}
	if c.Rendezvous.FailureThreshold <= 0 {
		return fmt.Errorf("rendezvous.failure_threshold must be > 0")
	}

	// Redis
	if c.Rendezvous.Backend == "redis" || c.Bans.Store == "redis" {
		if err := validation.ValidateNonEmptyString(c.Redis.Address, "redis.address"); err != nil {
			return err
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis is used")
		}
	}

	// WebRTC
	for _, srv := range c.WebRTC.ICEServers {
		for _, u := range srv.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers: %w", err)
			}
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
	if c.WebRTC.ConnectTimeout <= 0 {
		return fmt.Errorf("webrtc.connect_timeout must be > 0")
	}
	if c.WebRTC.CloseGrace < 0 {
		return fmt.Errorf("webrtc.close_grace must be >= 0")
	}

	// Mesh
	if c.Mesh.MinParticipants < 1 {
		return fmt.Errorf("mesh.min_participants must be >= 1")
	}
	if c.Mesh.MaxParticipants < c.Mesh.MinParticipants {
		return fmt.Errorf("mesh.max_participants must be >= mesh.min_participants")
	}
	if err := validation.ValidateMaxPeers(c.Mesh.MaxParticipants); err != nil {
		return fmt.Errorf("mesh.max_participants: %w", err)
	}
	if c.Mesh.MessageRate < 0 {
		return fmt.Errorf("mesh.message_rate must be >= 0")
	}
	if c.Mesh.MessageRate > 0 && c.Mesh.MessageBurst <= 0 {
		return fmt.Errorf("mesh.message_burst must be > 0 when mesh.message_rate is set")
	}

	// Media
	for name, src := range map[string]MediaSource{"camera": c.Media.Camera, "screen": c.Media.Screen} {
		for _, addr := range []string{src.VideoAddress, src.AudioAddress} {
			if addr == "" {
				continue
			}
			if err := validation.ValidateUDPAddress(addr); err != nil {
				return fmt.Errorf("media.%s: %w", name, err)
			}
		}
	}

	// Bans
	if c.Bans.Store != "memory" && c.Bans.Store != "redis" {
		return fmt.Errorf("bans.store must be memory or redis")
	}

	// API
	if c.API.Enabled {
		if c.API.Address == "" {
			return fmt.Errorf("api.address must not be empty when api.enabled=true")
		}
		if c.API.PingInterval <= 0 || c.API.PongTimeout <= c.API.PingInterval {
			return fmt.Errorf("api.pong_timeout must be > api.ping_interval > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
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

	cfg.Identity.DisplayName = "guest"

	cfg.Rendezvous.Backend = "memory"
	cfg.Rendezvous.HeartbeatInterval = 25 * time.Second
	cfg.Rendezvous.ExpiryWindow = 60 * time.Second
	cfg.Rendezvous.PollInterval = 10 * time.Second
	cfg.Rendezvous.PollJitter = 2 * time.Second
	cfg.Rendezvous.SignalPollInterval = time.Second
	cfg.Rendezvous.RequestTimeout = 5 * time.Second
	cfg.Rendezvous.RegisterAttempts = 4
	cfg.Rendezvous.FailureThreshold = 3

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	}}}
	cfg.WebRTC.ConnectTimeout = 30 * time.Second
	cfg.WebRTC.PLIInterval = 3 * time.Second
	cfg.WebRTC.CloseGrace = 2 * time.Second

	cfg.Mesh.MinParticipants = 2
	cfg.Mesh.MaxParticipants = 8
	cfg.Mesh.MessageRate = 20
	cfg.Mesh.MessageBurst = 40

	cfg.Bans.Store = "memory"

	cfg.Media.Camera = MediaSource{VideoCodec: "vp8", Label: "camera", Width: 1280, Height: 720}
	cfg.Media.Screen = MediaSource{VideoCodec: "vp8", Label: "screen", DisplaySurface: "monitor", Width: 1920, Height: 1080}

	cfg.Auth.JoinTokenTTL = 24 * time.Hour

	cfg.API.Enabled = true
	cfg.API.Address = "127.0.0.1:7070"
	cfg.API.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	cfg.API.ShutdownTimeout = 5 * time.Second
	cfg.API.PingInterval = 30 * time.Second
	cfg.API.PongTimeout = 60 * time.Second

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40
	cfg.RateLimiting.MaxEventStreams = 4

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.SamplingRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if name := os.Getenv("PARTYMESH_DISPLAY_NAME"); name != "" {
		c.Identity.DisplayName = name
	}
	if room := os.Getenv("PARTYMESH_ROOM"); room != "" {
		c.Room.Code = room
	}
	if backend := os.Getenv("PARTYMESH_RENDEZVOUS_BACKEND"); backend != "" {
		c.Rendezvous.Backend = backend
	}
	if url := os.Getenv("PARTYMESH_RENDEZVOUS_URL"); url != "" {
		c.Rendezvous.URL = url
	}
	if addr := os.Getenv("PARTYMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if secret := os.Getenv("PARTYMESH_JOIN_SECRET"); secret != "" {
		c.Auth.JoinSecret = secret
	}
	if token := os.Getenv("PARTYMESH_JOIN_TOKEN"); token != "" {
		c.Auth.JoinToken = token
	}
	if addr := os.Getenv("PARTYMESH_API_ADDRESS"); addr != "" {
		c.API.Address = addr
	}
	if level := os.Getenv("PARTYMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("PARTYMESH_MAX_PARTICIPANTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Mesh.MaxParticipants = n
		}
	}
}
