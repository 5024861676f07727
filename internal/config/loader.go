package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override key.
const envPrefix = "VOXRELAY_"

// Load reads the YAML configuration file at path (if it exists), applies
// environment overrides, fills defaults, and validates the result. A missing
// file is not an error: a deployment may configure the relay entirely from
// the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config file not found, using environment only", "path", path)
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			if cfg, err = decode(f); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates. Environment overrides are not applied; useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from VOXRELAY_* environment variables.
// Malformed numeric or duration values are logged and skipped rather than
// failing the whole load.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.Upstream.URL, "UPSTREAM_URL")
	setString(&cfg.Upstream.Model, "UPSTREAM_MODEL")
	setString(&cfg.Upstream.APIKey, "UPSTREAM_API_KEY")
	setDuration(&cfg.Upstream.HandshakeTimeout, "HANDSHAKE_TIMEOUT")
	setInt(&cfg.Upstream.MaxRetries, "UPSTREAM_MAX_RETRIES")
	setDuration(&cfg.Upstream.Backoff, "UPSTREAM_BACKOFF")
	setDuration(&cfg.Upstream.BreakerCooldown, "BREAKER_COOLDOWN")

	setString(&cfg.Sink.PostgresDSN, "SINK_DSN")
	setDuration(&cfg.Sink.FlushInterval, "SINK_FLUSH_INTERVAL")

	setString(&cfg.Tools.DefaultWebhook, "DEFAULT_WEBHOOK")
	setDuration(&cfg.Tools.DispatchTimeout, "DISPATCH_TIMEOUT")
	if v := os.Getenv(envPrefix + "TOOL_WEBHOOKS"); v != "" {
		if m := parseWebhookList(v); len(m) > 0 {
			if cfg.Tools.Webhooks == nil {
				cfg.Tools.Webhooks = make(map[string]string, len(m))
			}
			for name, u := range m {
				cfg.Tools.Webhooks[name] = u
			}
		}
	}

	setString(&cfg.Callbacks.BaseURL, "CALLBACK_BASE_URL")
	setString(&cfg.Callbacks.HMACSecret, "HMAC_SECRET")
	setDuration(&cfg.Callbacks.Gate2Timeout, "GATE2_TIMEOUT")
	setDuration(&cfg.Callbacks.RegistryTTL, "REGISTRY_TTL")
	setDuration(&cfg.Callbacks.IdempotencyTTL, "IDEMPOTENCY_TTL")
	if v := os.Getenv(envPrefix + "CALLBACK_ALLOWLIST"); v != "" {
		cfg.Callbacks.Allowlist = splitAndTrim(v)
	}

	setInt(&cfg.RateLimit.Limit, "RATE_LIMIT")
	setDuration(&cfg.RateLimit.Window, "RATE_WINDOW")

	setFloat(&cfg.Audio.LossThreshold, "AUDIO_LOSS_THRESHOLD")

	setString(&cfg.Egress.BotRegistryURL, "BOT_REGISTRY_URL")
	setString(&cfg.Egress.TTSURL, "TTS_EGRESS_URL")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Mandatory settings — the process must not start without them.
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required (VOXRELAY_UPSTREAM_API_KEY)"))
	}
	if cfg.Sink.PostgresDSN == "" {
		errs = append(errs, errors.New("sink.postgres_dsn is required (VOXRELAY_SINK_DSN)"))
	}

	if cfg.Upstream.URL != "" {
		if u, err := url.Parse(cfg.Upstream.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("upstream.url %q must be a ws:// or wss:// URL", cfg.Upstream.URL))
		}
	}

	for name, webhook := range cfg.Tools.Webhooks {
		if _, err := url.Parse(webhook); err != nil || webhook == "" {
			errs = append(errs, fmt.Errorf("tools.webhooks[%q] %q is not a valid URL", name, webhook))
		}
	}

	if cfg.Callbacks.BaseURL != "" && len(cfg.Callbacks.Allowlist) == 0 {
		slog.Warn("callbacks.base_url is set but the allowlist is empty; every callback URL will be rejected and workflows will run without gates")
	}
	if cfg.Callbacks.HMACSecret == "" {
		slog.Warn("callbacks.hmac_secret is empty; gate callbacks will not be authenticated")
	}

	return errors.Join(errs...)
}

// HMACEnabled reports whether incoming callbacks must be signed.
func (c *Config) HMACEnabled() bool { return c.Callbacks.HMACSecret != "" }

// ── Environment helpers ───────────────────────────────────────────────────────

func setString(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer environment variable", "key", envPrefix+key, "value", v)
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed float environment variable", "key", envPrefix+key, "value", v)
		return
	}
	*dst = f
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Accept bare seconds for operator convenience.
		if secs, serr := strconv.Atoi(v); serr == nil {
			*dst = time.Duration(secs) * time.Second
			return
		}
		slog.Warn("ignoring malformed duration environment variable", "key", envPrefix+key, "value", v)
		return
	}
	*dst = d
}

// parseWebhookList parses "name=url,name2=url2" into a map. Entries without
// an '=' are skipped with a warning.
func parseWebhookList(v string) map[string]string {
	out := make(map[string]string)
	for _, entry := range splitAndTrim(v) {
		name, u, ok := strings.Cut(entry, "=")
		if !ok || name == "" || u == "" {
			slog.Warn("ignoring malformed tool webhook entry", "entry", entry)
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(u)
	}
	return out
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
