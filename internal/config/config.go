// Package config provides configuration loading, validation, and
// hot-reload for the rangzen-agent daemon.
//
// Configuration file: /etc/rangzen/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (exchange policy, backoff,
//     retention, log level). Destructive changes (store paths, control
//     socket path, LAN listen address) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (probabilities in [0,1], durations >= 0).
//   - File paths must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for rangzen-agent.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is this node's public identifier. Empty means "derive from
	// the local identity keypair at first run".
	NodeID string `yaml:"node_id"`

	// Exchange configures PSI/trust policy and envelope toggles.
	Exchange ExchangeConfig `yaml:"exchange"`

	// Transport configures BLE framing/timing and the LAN listen address.
	Transport TransportConfig `yaml:"transport"`

	// Scheduler configures the cooperative exchange scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Retention configures message auto-delete policy.
	Retention RetentionConfig `yaml:"retention"`

	// Storage configures the bbolt persistent stores.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Control configures the operator control-plane socket.
	Control ControlConfig `yaml:"control"`
}

// ExchangeConfig holds PSI/trust policy and per-session envelope
// toggles (spec.md §6).
type ExchangeConfig struct {
	// UseTrust gates whether PSI rounds run at all. If false, PSI rounds
	// are skipped entirely and commonFriends = 0 for every exchange.
	// Default: true.
	UseTrust bool `yaml:"use_trust"`

	// MinSharedContactsForExchange is the admission threshold: an
	// exchange is refused as InsufficientTrust if commonFriends is below
	// this value (only enforced when UseTrust is true). Default: 1.
	MinSharedContactsForExchange int `yaml:"min_shared_contacts_for_exchange"`

	// TrustNoiseVariance is the variance of the Gaussian noise added to
	// outgoing trust values before transmission. Default: 0.01.
	TrustNoiseVariance float64 `yaml:"trust_noise_variance"`

	// MaxMessagesPerExchange bounds how many messages one session sends.
	// Default: 100.
	MaxMessagesPerExchange int `yaml:"max_messages_per_exchange"`

	// IncludePseudonym includes the message's pseudonym field on the wire.
	IncludePseudonym bool `yaml:"include_pseudonym"`

	// ShareLocation includes the message's latlang field on the wire.
	ShareLocation bool `yaml:"share_location"`

	// SessionTimeoutMs is the inherited deadline for the whole exchange
	// session (spec.md §5: "exchangeSessionTimeoutMs"). Default: 30000.
	SessionTimeoutMs int64 `yaml:"exchange_session_timeout_ms"`

	// InboundSessionGraceMs defers outbound exchanges while an inbound
	// session has been active within this window. Default: 10000.
	InboundSessionGraceMs int64 `yaml:"inbound_session_grace_ms"`

	// CooldownSeconds is the minimum gap between outbound exchanges with
	// any peer, unless the tick was force-triggered. Default: 60.
	CooldownSeconds int64 `yaml:"exchange_cooldown_seconds"`
}

// TransportConfig holds BLE framing/timing parameters (spec.md §4.3,
// §6) plus the LAN listen address.
type TransportConfig struct {
	// BLEMTU is the negotiated BLE ATT MTU in bytes. Default: 185.
	BLEMTU int `yaml:"ble_mtu"`

	// GATTMaxAttributeLength caps a single GATT characteristic write.
	// Default: 512.
	GATTMaxAttributeLength int `yaml:"gatt_max_attribute_length"`

	// GATTReadFallbackDelayMs is how long the sender waits for a
	// platform write-complete signal or ACK before issuing a recovery
	// read of the characteristic. Default: 2000.
	GATTReadFallbackDelayMs int64 `yaml:"gatt_read_fallback_delay_ms"`

	// InitialWriteDelayMs is a settle delay before the first BLE write
	// of a new connection. Default: 500.
	InitialWriteDelayMs int64 `yaml:"initial_write_delay_ms"`

	// LANListenAddr is the TCP listen address for the LAN transport.
	// Default: 0.0.0.0:7417.
	LANListenAddr string `yaml:"lan_listen_addr"`
}

// SchedulerConfig holds the cooperative exchange scheduler's
// parameters (spec.md §4.6).
type SchedulerConfig struct {
	// ExchangeIntervalMs is the scheduler tick period. Default: 15000.
	ExchangeIntervalMs int64 `yaml:"exchange_interval_ms"`

	// RandomExchange selects exactly one least-recently-picked peer per
	// tick when true; otherwise every visible peer is attempted.
	// Default: true.
	RandomExchange bool `yaml:"random_exchange"`

	// UseBackoff gates the exponential backoff gate on repeat failures
	// against a peer whose store-version hasn't changed. Default: true.
	UseBackoff bool `yaml:"use_backoff"`

	// BackoffAttemptMillis is the base backoff unit, doubled per
	// attempt. Default: 1000.
	BackoffAttemptMillis int64 `yaml:"backoff_attempt_millis"`

	// BackoffMaxMillis caps the computed backoff wait. Default: 60000.
	BackoffMaxMillis int64 `yaml:"backoff_max_millis"`

	// WorkerPoolSize bounds in-flight concurrent exchange sessions.
	// Default: 4.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// RetentionConfig holds message auto-delete and default expiry policy
// (spec.md §6).
type RetentionConfig struct {
	// AutodeleteEnabled gates the periodic auto-delete sweep. Default: true.
	AutodeleteEnabled bool `yaml:"autodelete_enabled"`

	// AutodeleteTrustThreshold: messages at or below this trust are
	// eligible for deletion. Default: 0.05.
	AutodeleteTrustThreshold float64 `yaml:"autodelete_trust_threshold"`

	// AutodeleteAgeDays: messages older than this are eligible for
	// deletion regardless of trust. Default: 30.
	AutodeleteAgeDays int `yaml:"autodelete_age_days"`

	// TimeboundPeriodDays is the default message expiry window used
	// when composing a new message (informational default, not enforced
	// by the store itself). Default: 14.
	TimeboundPeriodDays int `yaml:"timebound_period_days"`
}

// StorageConfig holds bbolt store paths.
type StorageConfig struct {
	// MessageStorePath is the absolute path to the message bbolt file.
	MessageStorePath string `yaml:"message_store_path"`

	// FriendStorePath is the absolute path to the friend/identity bbolt file.
	FriendStorePath string `yaml:"friend_store_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// ControlConfig holds the operator control-plane parameters.
type ControlConfig struct {
	// SocketPath is the Unix domain socket the rangzen-ctl CLI connects to.
	// Permissions: 0600, owned by the agent user. Default: /run/rangzen/control.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the control socket is active. Default: true.
	Enabled bool `yaml:"enabled"`

	// TCPAddr, if non-empty, also exposes the control plane over TCP with
	// mutual TLS, for operators managing a fleet remotely.
	TCPAddr string `yaml:"tcp_addr"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`

	// RateLimitCapacity bounds the token bucket capacity gating
	// ForceExchange/SoftForceExchange requests. Default: 20.
	RateLimitCapacity int `yaml:"rate_limit_capacity"`

	// RateLimitRefillSeconds is the full-refill period for the
	// control-plane rate limiter. Default: 60.
	RateLimitRefillSeconds int64 `yaml:"rate_limit_refill_seconds"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Exchange: ExchangeConfig{
			UseTrust:                     true,
			MinSharedContactsForExchange: 1,
			TrustNoiseVariance:           0.01,
			MaxMessagesPerExchange:       100,
			IncludePseudonym:             false,
			ShareLocation:                false,
			SessionTimeoutMs:             30_000,
			InboundSessionGraceMs:        10_000,
			CooldownSeconds:              60,
		},
		Transport: TransportConfig{
			BLEMTU:                  185,
			GATTMaxAttributeLength:  512,
			GATTReadFallbackDelayMs: 2_000,
			InitialWriteDelayMs:     500,
			LANListenAddr:           "0.0.0.0:7417",
		},
		Scheduler: SchedulerConfig{
			ExchangeIntervalMs:   15_000,
			RandomExchange:       true,
			UseBackoff:           true,
			BackoffAttemptMillis: 1_000,
			BackoffMaxMillis:     60_000,
			WorkerPoolSize:       4,
		},
		Retention: RetentionConfig{
			AutodeleteEnabled:        true,
			AutodeleteTrustThreshold: 0.05,
			AutodeleteAgeDays:        30,
			TimeboundPeriodDays:      14,
		},
		Storage: StorageConfig{
			MessageStorePath: DefaultMessageStorePath,
			FriendStorePath:  DefaultFriendStorePath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Control: ControlConfig{
			Enabled:                true,
			SocketPath:             "/run/rangzen/control.sock",
			RateLimitCapacity:      20,
			RateLimitRefillSeconds: 60,
		},
	}
}

const (
	// DefaultMessageStorePath mirrors the store package's expected layout.
	DefaultMessageStorePath = "/var/lib/rangzen/messages.db"
	// DefaultFriendStorePath mirrors the store package's expected layout.
	DefaultFriendStorePath = "/var/lib/rangzen/friends.db"
)

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Exchange.MinSharedContactsForExchange < 0 {
		errs = append(errs, "exchange.min_shared_contacts_for_exchange must be >= 0")
	}
	if cfg.Exchange.TrustNoiseVariance < 0 {
		errs = append(errs, "exchange.trust_noise_variance must be >= 0")
	}
	if cfg.Exchange.MaxMessagesPerExchange < 1 {
		errs = append(errs, fmt.Sprintf("exchange.max_messages_per_exchange must be >= 1, got %d", cfg.Exchange.MaxMessagesPerExchange))
	}
	if cfg.Exchange.SessionTimeoutMs < 1 {
		errs = append(errs, "exchange.exchange_session_timeout_ms must be >= 1")
	}
	if cfg.Exchange.CooldownSeconds < 0 {
		errs = append(errs, "exchange.exchange_cooldown_seconds must be >= 0")
	}
	if cfg.Exchange.InboundSessionGraceMs < 0 {
		errs = append(errs, "exchange.inbound_session_grace_ms must be >= 0")
	}
	if cfg.Transport.GATTReadFallbackDelayMs < 0 {
		errs = append(errs, "transport.gatt_read_fallback_delay_ms must be >= 0")
	}
	if cfg.Transport.InitialWriteDelayMs < 0 {
		errs = append(errs, "transport.initial_write_delay_ms must be >= 0")
	}
	if cfg.Transport.BLEMTU < 23 {
		errs = append(errs, fmt.Sprintf("transport.ble_mtu must be >= 23 (BLE minimum), got %d", cfg.Transport.BLEMTU))
	}
	if cfg.Transport.GATTMaxAttributeLength < 1 {
		errs = append(errs, "transport.gatt_max_attribute_length must be >= 1")
	}
	if cfg.Transport.LANListenAddr == "" {
		errs = append(errs, "transport.lan_listen_addr must not be empty")
	}
	if cfg.Scheduler.ExchangeIntervalMs < 1 {
		errs = append(errs, "scheduler.exchange_interval_ms must be >= 1")
	}
	if cfg.Scheduler.BackoffAttemptMillis < 1 {
		errs = append(errs, "scheduler.backoff_attempt_millis must be >= 1")
	}
	if cfg.Scheduler.BackoffMaxMillis < cfg.Scheduler.BackoffAttemptMillis {
		errs = append(errs, "scheduler.backoff_max_millis must be >= backoff_attempt_millis")
	}
	if cfg.Scheduler.WorkerPoolSize < 1 || cfg.Scheduler.WorkerPoolSize > 64 {
		errs = append(errs, fmt.Sprintf("scheduler.worker_pool_size must be in [1, 64], got %d", cfg.Scheduler.WorkerPoolSize))
	}
	if cfg.Retention.AutodeleteTrustThreshold < 0 || cfg.Retention.AutodeleteTrustThreshold > 1 {
		errs = append(errs, fmt.Sprintf("retention.autodelete_trust_threshold must be in [0.0, 1.0], got %f", cfg.Retention.AutodeleteTrustThreshold))
	}
	if cfg.Retention.AutodeleteAgeDays < 0 {
		errs = append(errs, "retention.autodelete_age_days must be >= 0")
	}
	if cfg.Retention.TimeboundPeriodDays < 1 {
		errs = append(errs, "retention.timebound_period_days must be >= 1")
	}
	if cfg.Storage.MessageStorePath == "" || !filepath.IsAbs(cfg.Storage.MessageStorePath) {
		errs = append(errs, "storage.message_store_path must be an absolute path")
	}
	if cfg.Storage.FriendStorePath == "" || !filepath.IsAbs(cfg.Storage.FriendStorePath) {
		errs = append(errs, "storage.friend_store_path must be an absolute path")
	}
	if cfg.Control.Enabled && cfg.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path must not be empty when control.enabled is true")
	}
	if cfg.Control.Enabled && cfg.Control.RateLimitCapacity < 1 {
		errs = append(errs, "control.rate_limit_capacity must be >= 1 when control.enabled is true")
	}
	if cfg.Control.Enabled && cfg.Control.RateLimitRefillSeconds < 1 {
		errs = append(errs, "control.rate_limit_refill_seconds must be >= 1 when control.enabled is true")
	}
	if cfg.Control.TCPAddr != "" {
		if cfg.Control.TLSCertFile == "" || cfg.Control.TLSKeyFile == "" || cfg.Control.TLSCAFile == "" {
			errs = append(errs, "control.tls_cert_file, tls_key_file, and tls_ca_file are required when control.tcp_addr is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// ApplyHotReload copies the non-destructive fields of next onto cur,
// leaving destructive fields (store paths, control socket, LAN listen
// address, node id) untouched. Returns the merged config; callers
// should Validate it before committing (spec-driven hot-reload
// semantics, per the teacher's own SIGHUP contract).
func ApplyHotReload(cur, next Config) Config {
	merged := cur
	merged.Exchange = next.Exchange
	merged.Scheduler = next.Scheduler
	merged.Retention = next.Retention
	merged.Observability = next.Observability
	merged.Transport.GATTReadFallbackDelayMs = next.Transport.GATTReadFallbackDelayMs
	merged.Transport.InitialWriteDelayMs = next.Transport.InitialWriteDelayMs
	merged.Transport.BLEMTU = next.Transport.BLEMTU
	merged.Transport.GATTMaxAttributeLength = next.Transport.GATTMaxAttributeLength
	return merged
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
