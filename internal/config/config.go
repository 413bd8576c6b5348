// Package config defines the relayer configuration and its validation.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration. It is read from TOML and then overridden
// by SWAPRELAY_* environment variables.
type Config struct {
	Mode      string                 `toml:"mode"`
	LogLevel  string                 `toml:"log_level"`
	Relayer   RelayerConfig          `toml:"relayer"`
	Auction   AuctionConfig          `toml:"auction"`
	Timelock  TimelockConfig         `toml:"timelock"`
	Retry     RetryConfig            `toml:"retry"`
	Confirm   ConfirmConfig          `toml:"confirm"`
	Scheduler SchedulerConfig        `toml:"scheduler"`
	Chains    map[string]ChainConfig `toml:"chains"`
	Postgres  PostgresConfig         `toml:"postgres"`
	Redis     RedisConfig            `toml:"redis"`
	S3        S3Config               `toml:"s3"`
	Archive   ArchiveConfig          `toml:"archive"`
	Server    ServerConfig           `toml:"server"`
	Notify    NotifyConfig           `toml:"notify"`
}

// RelayerConfig identifies this relayer instance.
type RelayerConfig struct {
	ID string `toml:"id"`
	// LockTTL bounds how long one replica may hold an order's lock.
	LockTTL duration `toml:"lock_ttl"`
	// NoticeSecret signs resolver notices published on the bus.
	NoticeSecret string `toml:"notice_secret"`
}

// AuctionConfig holds Dutch-auction defaults. Prices are multipliers of the
// order's taker/maker rate, e.g. 1.10 starts the auction 10% above it.
type AuctionConfig struct {
	Duration            duration `toml:"duration"`
	StartPrice          float64  `toml:"start_price"`
	EndPrice            float64  `toml:"end_price"`
	AutoReauction       bool     `toml:"auto_reauction"`
	MaxReauctions       int      `toml:"max_reauctions"`
	ResolverLockTimeout duration `toml:"resolver_lock_timeout"`
	MaxBidsPerOrder     int      `toml:"max_bids_per_order"`
	BidRateLimit        int      `toml:"bid_rate_limit"`
	BidRateWindow       duration `toml:"bid_rate_window"`
}

// TimelockConfig bounds HTLC timelocks.
type TimelockConfig struct {
	Min          duration `toml:"min"`
	Max          duration `toml:"max"`
	SafetyMargin duration `toml:"safety_margin"`
}

// RetryConfig is the backoff policy for transient chain failures.
type RetryConfig struct {
	InitialInterval duration `toml:"initial_interval"`
	MaxInterval     duration `toml:"max_interval"`
	MaxElapsed      duration `toml:"max_elapsed"`
}

// ConfirmConfig controls how long the relayer waits for a transaction.
type ConfirmConfig struct {
	Timeout      duration `toml:"timeout"`
	PollInterval duration `toml:"poll_interval"`
}

// SchedulerConfig controls the deadline sweep.
type SchedulerConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
	RefundGrace   duration `toml:"refund_grace"`
}

// Chain kinds.
const (
	ChainEVM       = "evm"
	ChainAlgorand  = "algorand"
	ChainSimulated = "simulated"
)

// ChainConfig describes one chain the relayer settles on.
type ChainConfig struct {
	Kind         string   `toml:"kind"`
	RPCURL       string   `toml:"rpc_url"`
	PollInterval duration `toml:"poll_interval"`

	// EVM
	ChainID          int64  `toml:"chain_id"`
	HTLCAddress      string `toml:"htlc_address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Confirmations    uint64 `toml:"confirmations"`

	// Algorand
	AlgodToken string `toml:"algod_token"`
	AppID      uint64 `toml:"app_id"`
	Mnemonic   string `toml:"mnemonic"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty addr runs without
// Redis: locks, the event bus and rate limits stay in-process.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules moving finished orders to S3. Orders are archived
// once their timelock is older than Retention.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per client; 0 disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration lets TOML carry values like "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used for anything the file leaves out.
func Defaults() Config {
	return Config{
		Mode:     "relay",
		LogLevel: "info",
		Relayer: RelayerConfig{
			ID:      "relayer",
			LockTTL: duration{2 * time.Minute},
		},
		Auction: AuctionConfig{
			Duration:            duration{2 * time.Minute},
			StartPrice:          1.10,
			EndPrice:            1.00,
			AutoReauction:       true,
			MaxReauctions:       3,
			ResolverLockTimeout: duration{5 * time.Minute},
			MaxBidsPerOrder:     100,
			BidRateLimit:        30,
			BidRateWindow:       duration{time.Minute},
		},
		Timelock: TimelockConfig{
			Min:          duration{time.Hour},
			Max:          duration{48 * time.Hour},
			SafetyMargin: duration{30 * time.Minute},
		},
		Retry: RetryConfig{
			InitialInterval: duration{500 * time.Millisecond},
			MaxInterval:     duration{30 * time.Second},
			MaxElapsed:      duration{5 * time.Minute},
		},
		Confirm: ConfirmConfig{
			Timeout:      duration{3 * time.Minute},
			PollInterval: duration{2 * time.Second},
		},
		Scheduler: SchedulerConfig{
			SweepInterval: duration{5 * time.Second},
			RefundGrace:   duration{30 * time.Second},
		},
		Chains: map[string]ChainConfig{},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "swaprelay",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "swaprelay-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{time.Hour},
			Retention: duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      8080,
			RateLimit: 600,
		},
	}
}

var validModes = map[string]bool{"relay": true, "dev": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid or missing value at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: relay, dev)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if strings.TrimSpace(c.Relayer.ID) == "" {
		add("relayer: id must not be empty")
	}

	a := c.Auction
	if a.Duration.Duration <= 0 {
		add("auction: duration must be > 0")
	}
	if a.EndPrice <= 0 {
		add("auction: end_price must be > 0")
	}
	if a.StartPrice < a.EndPrice {
		add("auction: start_price %.4f must be >= end_price %.4f", a.StartPrice, a.EndPrice)
	}
	if a.MaxReauctions < 0 {
		add("auction: max_reauctions must be >= 0")
	}
	if a.ResolverLockTimeout.Duration <= 0 {
		add("auction: resolver_lock_timeout must be > 0")
	}
	if a.MaxBidsPerOrder < 1 {
		add("auction: max_bids_per_order must be >= 1")
	}
	if a.BidRateLimit > 0 && a.BidRateWindow.Duration <= 0 {
		add("auction: bid_rate_window must be > 0 when bid_rate_limit is set")
	}

	t := c.Timelock
	if t.Min.Duration <= 0 {
		add("timelock: min must be > 0")
	}
	if t.Max.Duration < t.Min.Duration {
		add("timelock: max %s must be >= min %s", t.Max.Duration, t.Min.Duration)
	}
	if t.SafetyMargin.Duration <= 0 {
		add("timelock: safety_margin must be > 0")
	} else if t.SafetyMargin.Duration >= t.Min.Duration {
		add("timelock: safety_margin %s must be below min %s", t.SafetyMargin.Duration, t.Min.Duration)
	}

	if c.Retry.InitialInterval.Duration <= 0 || c.Retry.MaxInterval.Duration < c.Retry.InitialInterval.Duration {
		add("retry: need 0 < initial_interval <= max_interval")
	}
	if c.Confirm.Timeout.Duration <= 0 || c.Confirm.PollInterval.Duration <= 0 {
		add("confirm: timeout and poll_interval must be > 0")
	}
	if c.Scheduler.SweepInterval.Duration <= 0 {
		add("scheduler: sweep_interval must be > 0")
	}
	if c.Scheduler.RefundGrace.Duration < 0 {
		add("scheduler: refund_grace must be >= 0")
	}

	if mode == "relay" {
		if len(c.Chains) < 2 {
			add("chains: relay mode needs at least two chains, got %d", len(c.Chains))
		}
		for _, id := range c.ChainIDs() {
			for _, msg := range c.Chains[id].validate() {
				add("chains.%s: %s", id, msg)
			}
		}

		p := c.Postgres
		if strings.TrimSpace(p.DSN) == "" {
			if p.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if p.Port <= 0 || p.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", p.Port)
			}
			if p.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if p.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.Archive.Enabled {
		if mode == "dev" {
			add("archive: not available in dev mode")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
		if c.Archive.Retention.Duration < 0 {
			add("archive: retention must be >= 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (cc ChainConfig) validate() []string {
	var errs []string
	switch cc.Kind {
	case ChainEVM:
		if cc.RPCURL == "" {
			errs = append(errs, "rpc_url must not be empty")
		}
		if cc.ChainID <= 0 {
			errs = append(errs, "chain_id must be positive")
		}
		if cc.HTLCAddress == "" {
			errs = append(errs, "htlc_address must not be empty")
		}
		errs = append(errs, cc.keyErrors(cc.PrivateKey)...)
	case ChainAlgorand:
		if cc.RPCURL == "" {
			errs = append(errs, "rpc_url must not be empty")
		}
		if cc.AppID == 0 {
			errs = append(errs, "app_id must be set")
		}
		errs = append(errs, cc.keyErrors(cc.Mnemonic)...)
	case ChainSimulated:
	default:
		errs = append(errs, fmt.Sprintf("unknown kind %q (valid: evm, algorand, simulated)", cc.Kind))
	}
	return errs
}

func (cc ChainConfig) keyErrors(raw string) []string {
	if raw == "" && cc.EncryptedKeyPath == "" {
		return []string{"a signing key or encrypted_key_path must be set"}
	}
	if cc.EncryptedKeyPath != "" && cc.KeyPassword == "" {
		return []string{"key_password is required when encrypted_key_path is set"}
	}
	return nil
}

// ChainIDs returns the configured chain ids in sorted order.
func (c *Config) ChainIDs() []string {
	ids := make([]string, 0, len(c.Chains))
	for id := range c.Chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
