package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SWAPRELAY_"

// Load merges the TOML file at path over Defaults, loads .env if present and
// applies SWAPRELAY_* overrides. Keys the file sets that Config does not
// know are an error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject values, secrets in particular, at
// deploy time. Chain settings use SWAPRELAY_CHAINS_<ID>_<KEY>, with the id
// upper-cased and dashes turned into underscores.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	setStr(&cfg.Relayer.ID, "RELAYER_ID")
	setDuration(&cfg.Relayer.LockTTL, "RELAYER_LOCK_TTL")
	setStr(&cfg.Relayer.NoticeSecret, "RELAYER_NOTICE_SECRET")

	setDuration(&cfg.Auction.Duration, "AUCTION_DURATION")
	setFloat64(&cfg.Auction.StartPrice, "AUCTION_START_PRICE")
	setFloat64(&cfg.Auction.EndPrice, "AUCTION_END_PRICE")
	setBool(&cfg.Auction.AutoReauction, "AUCTION_AUTO_REAUCTION")
	setInt(&cfg.Auction.MaxReauctions, "AUCTION_MAX_REAUCTIONS")
	setDuration(&cfg.Auction.ResolverLockTimeout, "AUCTION_RESOLVER_LOCK_TIMEOUT")
	setInt(&cfg.Auction.BidRateLimit, "AUCTION_BID_RATE_LIMIT")

	setDuration(&cfg.Timelock.Min, "TIMELOCK_MIN")
	setDuration(&cfg.Timelock.Max, "TIMELOCK_MAX")
	setDuration(&cfg.Timelock.SafetyMargin, "TIMELOCK_SAFETY_MARGIN")

	for id, cc := range cfg.Chains {
		prefix := "CHAINS_" + envKey(id) + "_"
		setStr(&cc.RPCURL, prefix+"RPC_URL")
		setStr(&cc.HTLCAddress, prefix+"HTLC_ADDRESS")
		setStr(&cc.PrivateKey, prefix+"PRIVATE_KEY")
		setStr(&cc.EncryptedKeyPath, prefix+"ENCRYPTED_KEY_PATH")
		setStr(&cc.KeyPassword, prefix+"KEY_PASSWORD")
		setStr(&cc.AlgodToken, prefix+"ALGOD_TOKEN")
		setStr(&cc.Mnemonic, prefix+"MNEMONIC")
		cfg.Chains[id] = cc
	}

	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")

	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "ARCHIVE_RETENTION")

	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

func lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
