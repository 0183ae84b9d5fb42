package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration for every service. Everything is
// driven by environment variables; a local .env file is loaded when present.
type Config struct {
	Exchange     ExchangeConfig     `json:"exchange"`
	Strategy     StrategyConfig     `json:"strategy"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Admin        AdminConfig        `json:"admin"`
	Notification NotificationConfig `json:"notification"`
	Vault        VaultConfig        `json:"vault"`
	Logging      LoggingConfig      `json:"logging"`
	Archive      ArchiveConfig      `json:"archive"`
}

// ExchangeConfig selects the active venue and carries per-venue credentials.
type ExchangeConfig struct {
	Venue    string `json:"venue"`    // binance, bybit or paper
	Category string `json:"category"` // bybit product category, linear only

	Binance VenueConfig `json:"binance"`
	Bybit   VenueConfig `json:"bybit"`
	Paper   PaperConfig `json:"paper"`

	// BybitPositionIdx is sent on orders only when >= 0 (hedge-mode accounts).
	BybitPositionIdx int `json:"bybit_position_idx"`
}

type VenueConfig struct {
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key"`
	SecretKey    string `json:"secret_key"`
	RecvWindowMS int    `json:"recv_window_ms"`
}

type PaperConfig struct {
	StartingUSDT float64 `json:"starting_usdt"`
	FeePct       float64 `json:"fee_pct"`
}

type StrategyConfig struct {
	Symbols                []string      `json:"symbols"`
	IntervalMinutes        int           `json:"interval_minutes"`
	TickPeriod             time.Duration `json:"tick_period"`
	HardStopLossPct        float64       `json:"hard_stop_loss_pct"`
	MaxConcurrentPositions int           `json:"max_concurrent_positions"`
	MinMarginUSDT          float64       `json:"min_order_usdt"`
	LeverageMin            int           `json:"auto_leverage_min"`
	LeverageMax            int           `json:"auto_leverage_max"`
	AIEnabled              bool          `json:"ai_enabled"`
	AIWeight               float64       `json:"ai_weight"`
	AILearningRate         float64       `json:"ai_lr"`
	AIL2                   float64       `json:"ai_l2"`
	AIModelKey             string        `json:"ai_model_key"`
	TakeProfitRelabel      bool          `json:"take_profit_relabel"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	URL string `json:"url"`
}

type AdminConfig struct {
	ListenAddr     string `json:"listen_addr"`
	Token          string `json:"token"`
	AllowedOrigins string `json:"allowed_origins"`
	BaseURL        string `json:"base_url"` // used by the CLI to reach the API
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

type ArchiveConfig struct {
	Enabled       bool   `json:"enabled"`
	RetentionDays int    `json:"retention_days"`
	Timezone      string `json:"timezone"`
}

// Load builds the configuration from the environment. A .env file in the
// working directory is applied first without overriding real env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Exchange: ExchangeConfig{
			Venue:    strings.ToLower(getEnvOrDefault("EXCHANGE", "paper")),
			Category: getEnvOrDefault("EXCHANGE_CATEGORY", "linear"),
			Binance: VenueConfig{
				BaseURL:      getEnvOrDefault("BINANCE_BASE_URL", "https://fapi.binance.com"),
				APIKey:       getEnvOrDefault("BINANCE_API_KEY", ""),
				SecretKey:    getEnvOrDefault("BINANCE_API_SECRET", ""),
				RecvWindowMS: getEnvIntOrDefault("BINANCE_RECV_WINDOW_MS", 5000),
			},
			Bybit: VenueConfig{
				BaseURL:      getEnvOrDefault("BYBIT_BASE_URL", "https://api.bybit.com"),
				APIKey:       getEnvOrDefault("BYBIT_API_KEY", ""),
				SecretKey:    getEnvOrDefault("BYBIT_API_SECRET", ""),
				RecvWindowMS: getEnvIntOrDefault("BYBIT_RECV_WINDOW_MS", 5000),
			},
			Paper: PaperConfig{
				StartingUSDT: getEnvFloatOrDefault("PAPER_STARTING_USDT", 1000),
				FeePct:       getEnvFloatOrDefault("PAPER_FEE_PCT", 0.0004),
			},
			BybitPositionIdx: getEnvIntOrDefault("BYBIT_POSITION_IDX", -1),
		},
		Strategy: StrategyConfig{
			Symbols:                splitSymbols(getEnvOrDefault("SYMBOLS", "BTCUSDT")),
			IntervalMinutes:        getEnvIntOrDefault("INTERVAL_MINUTES", 15),
			TickPeriod:             getEnvDurationOrDefault("STRATEGY_TICK_SECONDS", 900*time.Second),
			HardStopLossPct:        getEnvFloatOrDefault("HARD_STOP_LOSS_PCT", 0.03),
			MaxConcurrentPositions: getEnvIntOrDefault("MAX_CONCURRENT_POSITIONS", 3),
			MinMarginUSDT:          getEnvFloatOrDefault("MIN_ORDER_USDT", 50),
			LeverageMin:            getEnvIntOrDefault("AUTO_LEVERAGE_MIN", 10),
			LeverageMax:            getEnvIntOrDefault("AUTO_LEVERAGE_MAX", 20),
			AIEnabled:              getEnvOrDefault("AI_ENABLED", "true") == "true",
			AIWeight:               getEnvFloatOrDefault("AI_WEIGHT", 0.35),
			AILearningRate:         getEnvFloatOrDefault("AI_LR", 0.05),
			AIL2:                   getEnvFloatOrDefault("AI_L2", 1e-6),
			AIModelKey:             getEnvOrDefault("AI_MODEL_KEY", "AI_MODEL_SETUP_B"),
			TakeProfitRelabel:      getEnvOrDefault("TAKE_PROFIT_REASON_ON_POSITIVE_PNL", "true") == "true",
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "trading"),
			Password: getEnvOrDefault("DB_PASSWORD", "trading"),
			DBName:   getEnvOrDefault("DB_NAME", "trading"),
			SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL: getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		},
		Admin: AdminConfig{
			ListenAddr:     getEnvOrDefault("ADMIN_LISTEN_ADDR", ":8080"),
			Token:          getEnvOrDefault("ADMIN_TOKEN", ""),
			AllowedOrigins: getEnvOrDefault("ADMIN_ALLOWED_ORIGINS", "*"),
			BaseURL:        getEnvOrDefault("ADMIN_BASE_URL", "http://localhost:8080"),
		},
		Notification: NotificationConfig{
			Enabled: getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true",
			Telegram: TelegramConfig{
				Enabled:  getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true",
				BotToken: getEnvOrDefault("TELEGRAM_BOT_TOKEN", ""),
				ChatID:   getEnvOrDefault("TELEGRAM_CHAT_ID", ""),
			},
		},
		Vault: VaultConfig{
			Enabled:    getEnvOrDefault("VAULT_ENABLED", "false") == "true",
			Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
			Token:      getEnvOrDefault("VAULT_TOKEN", ""),
			MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
			SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "trading/exchanges"),
			TLSEnabled: getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true",
			CACert:     getEnvOrDefault("VAULT_CA_CERT", ""),
		},
		Logging: LoggingConfig{
			Level:      getEnvOrDefault("LOG_LEVEL", "info"),
			JSONFormat: getEnvOrDefault("LOG_JSON", "true") == "true",
		},
		Archive: ArchiveConfig{
			Enabled:       getEnvOrDefault("ARCHIVE_ENABLED", "true") == "true",
			RetentionDays: getEnvIntOrDefault("ARCHIVE_RETENTION_DAYS", 90),
			Timezone:      getEnvOrDefault("ARCHIVE_TIMEZONE", "Asia/Hong_Kong"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Exchange.Venue {
	case "binance", "bybit", "paper":
	default:
		return fmt.Errorf("unsupported EXCHANGE %q", c.Exchange.Venue)
	}
	if len(c.Strategy.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if c.Strategy.IntervalMinutes <= 0 {
		return fmt.Errorf("INTERVAL_MINUTES must be positive")
	}
	if c.Strategy.TickPeriod <= 0 {
		return fmt.Errorf("STRATEGY_TICK_SECONDS must be positive")
	}
	if c.Strategy.LeverageMin > c.Strategy.LeverageMax {
		return fmt.Errorf("AUTO_LEVERAGE_MIN %d exceeds AUTO_LEVERAGE_MAX %d",
			c.Strategy.LeverageMin, c.Strategy.LeverageMax)
	}
	if c.Strategy.AIWeight < 0 || c.Strategy.AIWeight > 1 {
		return fmt.Errorf("AI_WEIGHT must be in [0,1]")
	}
	if c.Strategy.AILearningRate <= 0 {
		return fmt.Errorf("AI_LR must be positive")
	}
	if c.Strategy.AIL2 < 0 {
		return fmt.Errorf("AI_L2 must not be negative")
	}
	return nil
}

// ActiveVenue returns the credentials block for the configured venue. Paper
// has no credentials.
func (c *Config) ActiveVenue() VenueConfig {
	switch c.Exchange.Venue {
	case "binance":
		return c.Exchange.Binance
	case "bybit":
		return c.Exchange.Bybit
	default:
		return VenueConfig{}
	}
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.ToUpper(strings.TrimSpace(p))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault reads a duration given in whole seconds.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
