package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full tracker configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Cron      CronConfig      `mapstructure:"cron"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	OperatorToken   string        `mapstructure:"operator_token"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type StorageConfig struct {
	UseMemory          bool          `mapstructure:"use_memory"`
	PostgresDSN        string        `mapstructure:"postgres_dsn"`
	PostgresMaxConns   int32         `mapstructure:"postgres_max_conns"`
	PostgresConnMaxAge time.Duration `mapstructure:"postgres_conn_max_age"`
	ClickhouseDSN      string        `mapstructure:"clickhouse_dsn"`
	RunMigrations      bool          `mapstructure:"run_migrations"`
}

type OracleConfig struct {
	RESTURL      string        `mapstructure:"rest_url"`
	StreamURL    string        `mapstructure:"stream_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
}

type AdmissionConfig struct {
	RequireMTF            bool              `mapstructure:"require_mtf"`
	MinMTFAgreement       float64           `mapstructure:"min_mtf_agreement"`
	CountScope            string            `mapstructure:"count_scope"`
	MaxSameDirection      int               `mapstructure:"max_same_direction"`
	MaxTotalNotional      float64           `mapstructure:"max_total_notional"`
	MaxDirectionNotional  float64           `mapstructure:"max_direction_notional"`
	DuplicateWindow       time.Duration     `mapstructure:"duplicate_window"`
	DuplicatePriceBps     float64           `mapstructure:"duplicate_price_bps"`
	HourlyCapTotal        int               `mapstructure:"hourly_cap_total"`
	HourlyCapDirection    int               `mapstructure:"hourly_cap_direction"`
	OppositeCooldown      time.Duration     `mapstructure:"opposite_cooldown"`
	SameDirectionCooldown time.Duration     `mapstructure:"same_direction_cooldown"`
	GlobalCooldown        time.Duration     `mapstructure:"global_cooldown"`
	SymbolAliases         map[string]string `mapstructure:"symbol_aliases"`
}

type RiskConfig struct {
	BasePositionSize       float64 `mapstructure:"base_position_size"`
	MaxPositionSize        float64 `mapstructure:"max_position_size"`
	MaxLeverage            float64 `mapstructure:"max_leverage"`
	SymbolExposureSoftCap  float64 `mapstructure:"symbol_exposure_soft_cap"`
	DefaultStopLossPct     float64 `mapstructure:"default_stop_loss_pct"`
	DefaultRiskReward      float64 `mapstructure:"default_risk_reward"`
	ATRStopMultiplier      float64 `mapstructure:"atr_stop_multiplier"`
	ATRTakeMultiplier      float64 `mapstructure:"atr_take_multiplier"`
	MaintenanceMarginRate  float64 `mapstructure:"maintenance_margin_rate"`
	MinTrendStrength       float64 `mapstructure:"min_trend_strength"`
	TrailingActivationPct  float64 `mapstructure:"trailing_activation_pct"`
	TrailingBasePercent    float64 `mapstructure:"trailing_base_percent"`
	TrailingMinPercent     float64 `mapstructure:"trailing_min_percent"`
	DefaultMaxHoldingHours float64 `mapstructure:"default_max_holding_hours"`
}

type TrailingConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	Percent                float64 `mapstructure:"percent"`
	MinStepPct             float64 `mapstructure:"min_step_pct"`
	ActivateOnBreakeven    bool    `mapstructure:"activate_on_breakeven"`
	ActivationProfitPct    float64 `mapstructure:"activation_profit_pct"`
	LowProfitThresholdPct  float64 `mapstructure:"low_profit_threshold_pct"`
	LowProfitMultiplier    float64 `mapstructure:"low_profit_multiplier"`
	HighProfitThresholdPct float64 `mapstructure:"high_profit_threshold_pct"`
	HighProfitMultiplier   float64 `mapstructure:"high_profit_multiplier"`
}

type LifecycleConfig struct {
	TickInterval       time.Duration  `mapstructure:"tick_interval"`
	PriceTimeout       time.Duration  `mapstructure:"price_timeout"`
	PersistTimeout     time.Duration  `mapstructure:"persist_timeout"`
	MaxParallelFetches int            `mapstructure:"max_parallel_fetches"`
	MinHoldingMinutes  float64        `mapstructure:"min_holding_minutes"`
	MaxHoldingHours    float64        `mapstructure:"max_holding_hours"`
	AlertBuffer        int            `mapstructure:"alert_buffer"`
	Trailing           TrailingConfig `mapstructure:"trailing"`
}

type CronConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Reconcile       string `mapstructure:"reconcile"`
	ExposureSummary string `mapstructure:"exposure_summary"`
}

// Load reads configuration from path (YAML) and TRACKER_* environment variables.
// With envOnly the file is not read.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.operator_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", true)

	v.SetDefault("storage.use_memory", true)
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.postgres_max_conns", 10)
	v.SetDefault("storage.postgres_conn_max_age", "30m")
	v.SetDefault("storage.clickhouse_dsn", "")
	v.SetDefault("storage.run_migrations", true)

	v.SetDefault("oracle.rest_url", "http://localhost:8090/api/v1/ticker")
	v.SetDefault("oracle.stream_url", "")
	v.SetDefault("oracle.timeout", "5s")
	v.SetDefault("oracle.max_retries", 2)
	v.SetDefault("oracle.retry_delay", "200ms")
	v.SetDefault("oracle.max_staleness", "15s")

	v.SetDefault("admission.require_mtf", false)
	v.SetDefault("admission.min_mtf_agreement", 0.6)
	v.SetDefault("admission.count_scope", "book")
	v.SetDefault("admission.max_same_direction", 3)
	v.SetDefault("admission.max_total_notional", 10.0)
	v.SetDefault("admission.max_direction_notional", 6.0)
	v.SetDefault("admission.duplicate_window", "30m")
	v.SetDefault("admission.duplicate_price_bps", 20.0)
	v.SetDefault("admission.hourly_cap_total", 6)
	v.SetDefault("admission.hourly_cap_direction", 4)
	v.SetDefault("admission.opposite_cooldown", "30m")
	v.SetDefault("admission.same_direction_cooldown", "10m")
	v.SetDefault("admission.global_cooldown", "0s")

	v.SetDefault("risk.base_position_size", 1.0)
	v.SetDefault("risk.max_position_size", 3.0)
	v.SetDefault("risk.max_leverage", 5.0)
	v.SetDefault("risk.symbol_exposure_soft_cap", 10.0)
	v.SetDefault("risk.default_stop_loss_pct", 2.0)
	v.SetDefault("risk.default_risk_reward", 2.0)
	v.SetDefault("risk.atr_stop_multiplier", 1.5)
	v.SetDefault("risk.atr_take_multiplier", 3.0)
	v.SetDefault("risk.maintenance_margin_rate", 0.005)
	v.SetDefault("risk.min_trend_strength", 0.3)
	v.SetDefault("risk.trailing_activation_pct", 0.5)
	v.SetDefault("risk.trailing_base_percent", 2.0)
	v.SetDefault("risk.trailing_min_percent", 0.5)
	v.SetDefault("risk.default_max_holding_hours", 24.0)

	v.SetDefault("lifecycle.tick_interval", "30s")
	v.SetDefault("lifecycle.price_timeout", "5s")
	v.SetDefault("lifecycle.persist_timeout", "10s")
	v.SetDefault("lifecycle.max_parallel_fetches", 8)
	v.SetDefault("lifecycle.min_holding_minutes", 0.0)
	v.SetDefault("lifecycle.max_holding_hours", 24.0)
	v.SetDefault("lifecycle.alert_buffer", 64)
	v.SetDefault("lifecycle.trailing.enabled", true)
	v.SetDefault("lifecycle.trailing.percent", 2.0)
	v.SetDefault("lifecycle.trailing.min_step_pct", 0.1)
	v.SetDefault("lifecycle.trailing.activate_on_breakeven", true)
	v.SetDefault("lifecycle.trailing.activation_profit_pct", 1.0)
	v.SetDefault("lifecycle.trailing.low_profit_threshold_pct", 0.0)
	v.SetDefault("lifecycle.trailing.low_profit_multiplier", 1.0)
	v.SetDefault("lifecycle.trailing.high_profit_threshold_pct", 0.0)
	v.SetDefault("lifecycle.trailing.high_profit_multiplier", 1.0)

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.reconcile", "0 */5 * * * *")
	v.SetDefault("cron.exposure_summary", "0 * * * * *")
}
