package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	BackendEthereum = "ethereum"
	BackendBitcoin  = "bitcoin"
)

type Config struct {
	Port     string
	LogLevel string

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	KafkaBrokers      string
	KafkaPaymentTopic string
	KafkaStateTopic   string
	KafkaGroupID      string
	NATSURL           string
	JaegerEndpoint    string

	ChainBackend     string
	ChainName        string
	ChainNetwork     string
	ChainRPCURL      string
	ChainRPCUser     string
	ChainRPCPassword string
	RPCTimeout       time.Duration

	ScanInterval      time.Duration
	ScanMaxRange      uint64
	ScanStartPosition uint64
	MinConfirmations  uint64
	ReorgSafetyWindow uint64
	ForceCheckDepth   uint64
	ForceCheckTimeout time.Duration

	ToleranceBps  int64
	AssetDecimals map[string]int32
	ProcessedTTL  time.Duration

	WebhookTimeout      time.Duration
	WebhookMaxAttempts  int
	WebhookBaseDelay    time.Duration
	WebhookMaxDelay     time.Duration
	WebhookWorkers      int
	WebhookPollInterval time.Duration
	WebhookBatchSize    int

	AdminJWTSecret  string
	ShutdownTimeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8082")
	v.SetDefault("log_level", "info")

	v.SetDefault("database_driver", DriverPostgres)
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")

	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_payment_topic", "payment.requests")
	v.SetDefault("kafka_state_topic", "payment.state.changed")
	v.SetDefault("kafka_group_id", "payment-reconciler")
	v.SetDefault("nats_url", "")
	v.SetDefault("jaeger_endpoint", "")

	v.SetDefault("chain_backend", BackendEthereum)
	v.SetDefault("chain_name", "")
	v.SetDefault("chain_network", "mainnet")
	v.SetDefault("chain_rpc_url", "http://localhost:8545")
	v.SetDefault("chain_rpc_user", "")
	v.SetDefault("chain_rpc_password", "")
	v.SetDefault("rpc_timeout", "15s")

	v.SetDefault("scan_interval", "15s")
	v.SetDefault("scan_max_range", 500)
	v.SetDefault("scan_start_position", 0)
	v.SetDefault("min_confirmations", 3)
	v.SetDefault("reorg_safety_window", 12)
	v.SetDefault("force_check_depth", 100)
	v.SetDefault("force_check_timeout", "2m")

	v.SetDefault("tolerance_bps", 200)
	v.SetDefault("asset_decimals", map[string]interface{}{"ETH": 18, "BTC": 8})
	v.SetDefault("processed_ttl", "72h")

	v.SetDefault("webhook_timeout", "10s")
	v.SetDefault("webhook_max_attempts", 5)
	v.SetDefault("webhook_base_delay", "30s")
	v.SetDefault("webhook_max_delay", "1h")
	v.SetDefault("webhook_workers", 4)
	v.SetDefault("webhook_poll_interval", "5s")
	v.SetDefault("webhook_batch_size", 10)

	v.SetDefault("admin_jwt_secret", "")
	v.SetDefault("shutdown_timeout", "10s")
}

// Load reads configuration from defaults, an optional config file in the
// working directory, a .env file and the environment, in increasing order of
// precedence.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// for config.{yaml,json} in the working directory.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	decimals, err := assetDecimals(v.Get("asset_decimals"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     v.GetString("port"),
		LogLevel: v.GetString("log_level"),

		DatabaseDriver: strings.ToLower(v.GetString("database_driver")),
		DatabaseURL:    v.GetString("database_url"),
		RedisURL:       v.GetString("redis_url"),

		KafkaBrokers:      v.GetString("kafka_brokers"),
		KafkaPaymentTopic: v.GetString("kafka_payment_topic"),
		KafkaStateTopic:   v.GetString("kafka_state_topic"),
		KafkaGroupID:      v.GetString("kafka_group_id"),
		NATSURL:           v.GetString("nats_url"),
		JaegerEndpoint:    v.GetString("jaeger_endpoint"),

		ChainBackend:     strings.ToLower(v.GetString("chain_backend")),
		ChainName:        v.GetString("chain_name"),
		ChainNetwork:     v.GetString("chain_network"),
		ChainRPCURL:      v.GetString("chain_rpc_url"),
		ChainRPCUser:     v.GetString("chain_rpc_user"),
		ChainRPCPassword: v.GetString("chain_rpc_password"),
		RPCTimeout:       v.GetDuration("rpc_timeout"),

		ScanInterval:      v.GetDuration("scan_interval"),
		ScanMaxRange:      v.GetUint64("scan_max_range"),
		ScanStartPosition: v.GetUint64("scan_start_position"),
		MinConfirmations:  v.GetUint64("min_confirmations"),
		ReorgSafetyWindow: v.GetUint64("reorg_safety_window"),
		ForceCheckDepth:   v.GetUint64("force_check_depth"),
		ForceCheckTimeout: v.GetDuration("force_check_timeout"),

		ToleranceBps:  v.GetInt64("tolerance_bps"),
		AssetDecimals: decimals,
		ProcessedTTL:  v.GetDuration("processed_ttl"),

		WebhookTimeout:      v.GetDuration("webhook_timeout"),
		WebhookMaxAttempts:  v.GetInt("webhook_max_attempts"),
		WebhookBaseDelay:    v.GetDuration("webhook_base_delay"),
		WebhookMaxDelay:     v.GetDuration("webhook_max_delay"),
		WebhookWorkers:      v.GetInt("webhook_workers"),
		WebhookPollInterval: v.GetDuration("webhook_poll_interval"),
		WebhookBatchSize:    v.GetInt("webhook_batch_size"),

		AdminJWTSecret:  v.GetString("admin_jwt_secret"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}
	if cfg.ChainName == "" {
		cfg.ChainName = cfg.ChainBackend
	}
	if cfg.DatabaseDriver == DriverSQLite && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "data/reconciler.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// assetDecimals accepts a map from a config file or a "ETH=18,BTC=8" string
// from the environment.
func assetDecimals(raw interface{}) (map[string]int32, error) {
	if s, ok := raw.(string); ok {
		m := make(map[string]interface{})
		for _, pair := range strings.Split(s, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			k, val, found := strings.Cut(pair, "=")
			if !found {
				return nil, fmt.Errorf("asset_decimals: entry %q is not ASSET=N", pair)
			}
			m[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		raw = m
	}

	entries, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, fmt.Errorf("asset_decimals: %w", err)
	}
	out := make(map[string]int32, len(entries))
	for asset, val := range entries {
		n, err := cast.ToInt32E(val)
		if err != nil {
			return nil, fmt.Errorf("asset_decimals %s: %w", asset, err)
		}
		out[strings.ToUpper(asset)] = n
	}
	return out, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for the postgres driver"))
		}
	case DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown database_driver %q", c.DatabaseDriver))
	}

	switch c.ChainBackend {
	case BackendEthereum, BackendBitcoin:
	default:
		errs = append(errs, fmt.Errorf("unknown chain_backend %q", c.ChainBackend))
	}
	if c.ChainRPCURL == "" {
		errs = append(errs, errors.New("chain_rpc_url is required"))
	}

	if c.MinConfirmations == 0 {
		errs = append(errs, errors.New("min_confirmations must be at least 1"))
	}
	if c.ScanMaxRange == 0 {
		errs = append(errs, errors.New("scan_max_range must be positive"))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, errors.New("scan_interval must be positive"))
	}
	if c.ForceCheckDepth == 0 {
		errs = append(errs, errors.New("force_check_depth must be positive"))
	}
	if c.ToleranceBps < 0 || c.ToleranceBps >= 10_000 {
		errs = append(errs, fmt.Errorf("tolerance_bps %d out of range [0, 10000)", c.ToleranceBps))
	}
	for asset, d := range c.AssetDecimals {
		if d < 0 || d > 36 {
			errs = append(errs, fmt.Errorf("asset_decimals %s=%d out of range", asset, d))
		}
	}

	if c.WebhookMaxAttempts < 1 {
		errs = append(errs, errors.New("webhook_max_attempts must be at least 1"))
	}
	if c.WebhookWorkers < 1 {
		errs = append(errs, errors.New("webhook_workers must be at least 1"))
	}
	if c.WebhookBaseDelay <= 0 || c.WebhookMaxDelay < c.WebhookBaseDelay {
		errs = append(errs, errors.New("webhook delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.WebhookTimeout <= 0 {
		errs = append(errs, errors.New("webhook_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Brokers splits the comma-separated KAFKA_BROKERS value.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
