package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"intent-relayer/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. INTENTRELAYER_CHAIN_RPC_URL.
const EnvPrefix = "INTENTRELAYER"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Executors ExecutorsConfig `mapstructure:"executors"`
	Fill      FillConfig      `mapstructure:"fill"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls the inbound HTTP API.
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// ChainConfig covers the RPC endpoint and wait bounds.
type ChainConfig struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	ChainID             uint64        `mapstructure:"chain_id"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
}

// ExecutorsConfig lists the signing keys and the batch contract they call.
type ExecutorsConfig struct {
	PrivateKeys   []string `mapstructure:"private_keys"`
	BatchContract string   `mapstructure:"batch_contract"`
}

// FillConfig 描述订单成交路径的中继合约。
type FillConfig struct {
	RelayAddress string        `mapstructure:"relay_address"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
	DedupSize    int           `mapstructure:"dedup_size"`
}

// FeesConfig tunes the fee policy.
type FeesConfig struct {
	MaxFeeMultiplier int64 `mapstructure:"max_fee_multiplier"`
	LegacyMultiplier int64 `mapstructure:"legacy_price_multiplier"`
	GasMarginPct     int64 `mapstructure:"gas_margin_pct"`
}

// SchedulerConfig governs the batch loop.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// RoutingConfig points at the external swap routing service.
type RoutingConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	DefaultSlippage int64         `mapstructure:"default_slippage_bps"`
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "intent-relayer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.address", ":3001")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", int64(1<<20))

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", uint64(0))
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.confirm_timeout", "2m")
	v.SetDefault("chain.receipt_poll_interval", "1s")

	// registered so env-only values are picked up by Unmarshal
	v.SetDefault("executors.private_keys", []string{})
	v.SetDefault("executors.batch_contract", "")
	v.SetDefault("fill.relay_address", "")
	v.SetDefault("fill.dedup_ttl", "10m")
	v.SetDefault("fill.dedup_size", 4096)

	v.SetDefault("fees.max_fee_multiplier", int64(3))
	v.SetDefault("fees.legacy_price_multiplier", int64(1))
	v.SetDefault("fees.gas_margin_pct", int64(20))

	v.SetDefault("scheduler.interval", "1s")
	v.SetDefault("scheduler.align_to_start", false)
	v.SetDefault("scheduler.chunk_size", 100)
	v.SetDefault("scheduler.advisory_lock_key", int64(0))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("routing.base_url", "")
	v.SetDefault("routing.request_timeout", "15s")
	v.SetDefault("routing.user_agent", "intent-relayer/1.0")
	v.SetDefault("routing.default_slippage_bps", int64(50))
	v.SetDefault("routing.default_deadline", "20m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ChunkSize <= 0 {
		return fmt.Errorf("scheduler.chunk_size must be greater than zero")
	}
	if c.Fees.MaxFeeMultiplier <= 0 {
		return fmt.Errorf("fees.max_fee_multiplier must be greater than zero")
	}
	if c.Fees.LegacyMultiplier <= 0 {
		return fmt.Errorf("fees.legacy_price_multiplier must be greater than zero")
	}
	if c.Fees.GasMarginPct < 0 {
		return fmt.Errorf("fees.gas_margin_pct must not be negative")
	}
	if c.Chain.ConfirmTimeout <= 0 {
		return fmt.Errorf("chain.confirm_timeout must be greater than zero")
	}
	if c.Routing.DefaultSlippage < 0 || c.Routing.DefaultSlippage > 10000 {
		return fmt.Errorf("routing.default_slippage_bps must be within [0, 10000]")
	}
	if c.Executors.BatchContract != "" && !common.IsHexAddress(c.Executors.BatchContract) {
		return fmt.Errorf("executors.batch_contract is not a valid address")
	}
	if c.Fill.RelayAddress != "" && !common.IsHexAddress(c.Fill.RelayAddress) {
		return fmt.Errorf("fill.relay_address is not a valid address")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ValidateRuntime checks the settings only the long-running service needs.
func (c *Config) ValidateRuntime() error {
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if len(c.ExecutorKeys()) == 0 {
		return fmt.Errorf("executors.private_keys must list at least one key")
	}
	if c.Executors.BatchContract == "" {
		return fmt.Errorf("executors.batch_contract is required")
	}
	if c.Fill.RelayAddress == "" {
		return fmt.Errorf("fill.relay_address is required")
	}
	return nil
}

// ExecutorKeys returns the configured keys without blanks.
func (c *Config) ExecutorKeys() []string {
	out := make([]string, 0, len(c.Executors.PrivateKeys))
	for _, k := range c.Executors.PrivateKeys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
