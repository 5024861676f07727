// Package config provides the configuration schema and loader for the
// voxrelay relay server.
//
// Configuration is read from an optional YAML file and then overridden by
// VOXRELAY_* environment variables, so a deployment can run entirely from
// the environment. Mandatory settings (upstream API key, sink DSN) cause
// [Validate] to fail when missing.
package config

import "time"

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxrelay.
// It is typically produced by [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Sink      SinkConfig      `yaml:"sink"`
	Tools     ToolsConfig     `yaml:"tools"`
	Callbacks CallbacksConfig `yaml:"callbacks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audio     AudioConfig     `yaml:"audio"`
	Egress    EgressConfig    `yaml:"egress"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// UpstreamConfig describes the realtime model endpoint the relay brokers to.
type UpstreamConfig struct {
	// URL is the WebSocket endpoint of the upstream realtime API.
	URL string `yaml:"url"`

	// Model selects the realtime model appended as a query parameter.
	Model string `yaml:"model"`

	// APIKey authenticates the upstream connection. Required.
	APIKey string `yaml:"api_key"`

	// HandshakeTimeout bounds a single WebSocket dial. Defaults to 30s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// MaxRetries is the number of dial attempts per session. Defaults to 5.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial delay between dial attempts, doubled each
	// attempt. Defaults to 1s.
	Backoff time.Duration `yaml:"backoff"`

	// BreakerCooldown is how long the process-wide circuit breaker stays
	// open after MaxRetries consecutive failures. Defaults to 30s.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// SinkConfig configures the durable record sink.
type SinkConfig struct {
	// PostgresDSN is the connection string for the record store. Required.
	PostgresDSN string `yaml:"postgres_dsn"`

	// FlushInterval is the retry pulse for failed records. Defaults to 30s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ToolsConfig maps model function names to workflow webhooks.
type ToolsConfig struct {
	// Webhooks maps a function name to its dedicated workflow webhook URL.
	Webhooks map[string]string `yaml:"webhooks"`

	// DefaultWebhook receives calls for functions without a dedicated entry.
	DefaultWebhook string `yaml:"default_webhook"`

	// DispatchTimeout bounds a single webhook POST. Defaults to 30s.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// CallbacksConfig configures the gate callback channel from workflows.
type CallbacksConfig struct {
	// BaseURL is the externally reachable base under which /tool-progress is
	// served. Empty disables callbacks entirely.
	BaseURL string `yaml:"base_url"`

	// Allowlist restricts which hosts a callback URL may point at. Entries
	// match exactly, or as a domain suffix when prefixed with a dot.
	Allowlist []string `yaml:"allowlist"`

	// HMACSecret enables HMAC verification of incoming callbacks when
	// non-empty.
	HMACSecret string `yaml:"hmac_secret"`

	// Gate2Timeout is how long a READY_TO_SEND callback is held open while
	// awaiting human confirmation. Defaults to 30s.
	Gate2Timeout time.Duration `yaml:"gate2_timeout"`

	// RegistryTTL is how long cancel requests and callback slots survive
	// without activity before being reaped. Defaults to 10m.
	RegistryTTL time.Duration `yaml:"registry_ttl"`

	// IdempotencyTTL is how long a gate response is cached for duplicate
	// suppression. Defaults to 5m.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// RateLimitConfig bounds callback traffic per client address.
type RateLimitConfig struct {
	// Limit is the maximum number of requests per window. Defaults to 100.
	Limit int `yaml:"limit"`

	// Window is the fixed rate window. Defaults to 60s.
	Window time.Duration `yaml:"window"`
}

// AudioConfig tunes audio-quality telemetry.
type AudioConfig struct {
	// LossThreshold is the packet-loss ratio above which a session is
	// reported unhealthy. Defaults to 0.05.
	LossThreshold float64 `yaml:"loss_threshold"`
}

// EgressConfig configures optional outbound integrations.
type EgressConfig struct {
	// BotRegistryURL is an optional registry service queried at connection
	// start to enrich the session with bot identity. Empty disables lookup.
	BotRegistryURL string `yaml:"bot_registry_url"`

	// TTSURL is an optional text-to-speech injection endpoint that receives
	// assistant transcripts asynchronously. Empty disables egress.
	TTSURL string `yaml:"tts_url"`
}

// Defaults applied by [applyDefaults] for zero-value duration and count fields.
const (
	DefaultListenAddr       = ":8080"
	DefaultUpstreamURL      = "wss://api.openai.com/v1/realtime"
	DefaultUpstreamModel    = "gpt-4o-realtime-preview"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMaxRetries       = 5
	DefaultBackoff          = 1 * time.Second
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultFlushInterval    = 30 * time.Second
	DefaultDispatchTimeout  = 30 * time.Second
	DefaultGate2Timeout     = 30 * time.Second
	DefaultRegistryTTL      = 10 * time.Minute
	DefaultIdempotencyTTL   = 5 * time.Minute
	DefaultRateLimit        = 100
	DefaultRateWindow       = 60 * time.Second
	DefaultLossThreshold    = 0.05
)

// applyDefaults fills zero-value fields with the package defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Upstream.URL == "" {
		cfg.Upstream.URL = DefaultUpstreamURL
	}
	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = DefaultUpstreamModel
	}
	if cfg.Upstream.HandshakeTimeout <= 0 {
		cfg.Upstream.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Upstream.MaxRetries <= 0 {
		cfg.Upstream.MaxRetries = DefaultMaxRetries
	}
	if cfg.Upstream.Backoff <= 0 {
		cfg.Upstream.Backoff = DefaultBackoff
	}
	if cfg.Upstream.BreakerCooldown <= 0 {
		cfg.Upstream.BreakerCooldown = DefaultBreakerCooldown
	}
	if cfg.Sink.FlushInterval <= 0 {
		cfg.Sink.FlushInterval = DefaultFlushInterval
	}
	if cfg.Tools.DispatchTimeout <= 0 {
		cfg.Tools.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.Callbacks.Gate2Timeout <= 0 {
		cfg.Callbacks.Gate2Timeout = DefaultGate2Timeout
	}
	if cfg.Callbacks.RegistryTTL <= 0 {
		cfg.Callbacks.RegistryTTL = DefaultRegistryTTL
	}
	if cfg.Callbacks.IdempotencyTTL <= 0 {
		cfg.Callbacks.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.RateLimit.Limit <= 0 {
		cfg.RateLimit.Limit = DefaultRateLimit
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = DefaultRateWindow
	}
	if cfg.Audio.LossThreshold <= 0 {
		cfg.Audio.LossThreshold = DefaultLossThreshold
	}
}
