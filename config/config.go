package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	RiskConfig     RiskConfig     `json:"risk"`
	SymbolsConfig  SymbolsConfig  `json:"symbols"`
	AuthConfig     AuthConfig     `json:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the snapshot cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output instead of console
}

// RiskConfig holds the initial risk limits applied when no persisted
// parameters exist yet. Persisted values loaded at startup win.
type RiskConfig struct {
	MaxPositionSize     int64   `json:"max_position_size"`
	MaxDailyLoss        float64 `json:"max_daily_loss"`
	MaxDrawdownPercent  float64 `json:"max_drawdown_percent"`
	PositionSizePercent float64 `json:"position_size_percent"`
	StopLossPoints      float64 `json:"stop_loss_points"`
	TakeProfitPoints    float64 `json:"take_profit_points"`
	MaxPositions        int     `json:"max_positions"`
	Enabled             bool    `json:"enabled"`
	AccountValue        float64 `json:"account_value"`
	MaxOrdersPerMinute  int     `json:"max_orders_per_minute"`
}

// SymbolsConfig holds the approved tradeable symbol set and any symbols
// currently flagged for contract rollover. Rollover date arithmetic is
// handled by an external service; only the resulting flags matter here.
type SymbolsConfig struct {
	Tradeable       []string `json:"tradeable"`
	RolloverAlerts  []string `json:"rollover_alerts"`
	RefreshInterval int      `json:"refresh_interval"` // Seconds, 0 disables
}

// AuthConfig holds admin endpoint authentication configuration
type AuthConfig struct {
	Enabled       bool          `json:"enabled"`
	JWTSecret     string        `json:"jwt_secret"`
	TokenDuration time.Duration `json:"token_duration"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", valueOrInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", valueOr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", valueOr(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", valueOrInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", valueOrInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", valueOrInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", valueOr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", valueOrInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", valueOr(cfg.DatabaseConfig.User, "trading_core"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", valueOr(cfg.DatabaseConfig.Database, "trading_core"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", valueOr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", valueOr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", valueOrInt(cfg.RedisConfig.PoolSize, 10))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", valueOr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.LoggingConfig.JSONFormat)) == "true"

	// Risk config
	cfg.RiskConfig.MaxPositionSize = getEnvInt64OrDefault("RISK_MAX_POSITION_SIZE", valueOrInt64(cfg.RiskConfig.MaxPositionSize, 5))
	cfg.RiskConfig.MaxDailyLoss = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", valueOrFloat(cfg.RiskConfig.MaxDailyLoss, 1000.0))
	cfg.RiskConfig.MaxDrawdownPercent = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN_PERCENT", valueOrFloat(cfg.RiskConfig.MaxDrawdownPercent, 10.0))
	cfg.RiskConfig.PositionSizePercent = getEnvFloatOrDefault("RISK_POSITION_SIZE_PERCENT", valueOrFloat(cfg.RiskConfig.PositionSizePercent, 2.0))
	cfg.RiskConfig.StopLossPoints = getEnvFloatOrDefault("RISK_STOP_LOSS_POINTS", valueOrFloat(cfg.RiskConfig.StopLossPoints, 10.0))
	cfg.RiskConfig.TakeProfitPoints = getEnvFloatOrDefault("RISK_TAKE_PROFIT_POINTS", valueOrFloat(cfg.RiskConfig.TakeProfitPoints, 20.0))
	cfg.RiskConfig.MaxPositions = getEnvIntOrDefault("RISK_MAX_POSITIONS", valueOrInt(cfg.RiskConfig.MaxPositions, 3))
	cfg.RiskConfig.Enabled = getEnvOrDefault("RISK_ENABLED", boolString(cfg.RiskConfig.Enabled)) == "true"
	cfg.RiskConfig.AccountValue = getEnvFloatOrDefault("RISK_ACCOUNT_VALUE", valueOrFloat(cfg.RiskConfig.AccountValue, 100000.0))
	cfg.RiskConfig.MaxOrdersPerMinute = getEnvIntOrDefault("RISK_MAX_ORDERS_PER_MINUTE", valueOrInt(cfg.RiskConfig.MaxOrdersPerMinute, 10))

	// Symbols config
	if symbols := os.Getenv("TRADEABLE_SYMBOLS"); symbols != "" {
		cfg.SymbolsConfig.Tradeable = splitAndTrim(symbols)
	}
	if alerts := os.Getenv("ROLLOVER_ALERT_SYMBOLS"); alerts != "" {
		cfg.SymbolsConfig.RolloverAlerts = splitAndTrim(alerts)
	}

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", boolString(cfg.AuthConfig.Enabled)) == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", valueOrDuration(cfg.AuthConfig.TokenDuration, 24*time.Hour))
}

// validate rejects configurations that would fail at first use. Limits of
// zero are allowed (risk stays disabled); negative limits never are.
func (c *Config) validate() error {
	if c.RiskConfig.MaxPositionSize < 0 {
		return fmt.Errorf("invalid config: max_position_size must not be negative, got %d", c.RiskConfig.MaxPositionSize)
	}
	if c.RiskConfig.MaxDailyLoss < 0 {
		return fmt.Errorf("invalid config: max_daily_loss must not be negative, got %.2f", c.RiskConfig.MaxDailyLoss)
	}
	if c.RiskConfig.MaxDrawdownPercent < 0 || c.RiskConfig.MaxDrawdownPercent > 100 {
		return fmt.Errorf("invalid config: max_drawdown_percent must be within [0,100], got %.2f", c.RiskConfig.MaxDrawdownPercent)
	}
	if c.RiskConfig.PositionSizePercent < 0 || c.RiskConfig.PositionSizePercent > 100 {
		return fmt.Errorf("invalid config: position_size_percent must be within [0,100], got %.2f", c.RiskConfig.PositionSizePercent)
	}
	if c.RiskConfig.AccountValue <= 0 {
		return fmt.Errorf("invalid config: account_value must be positive, got %.2f", c.RiskConfig.AccountValue)
	}
	if c.RiskConfig.MaxOrdersPerMinute <= 0 {
		return fmt.Errorf("invalid config: max_orders_per_minute must be positive, got %d", c.RiskConfig.MaxOrdersPerMinute)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("invalid config: auth enabled but AUTH_JWT_SECRET not set")
	}
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid config: server port %d out of range", c.ServerConfig.Port)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func valueOr(current, fallback string) string {
	if current != "" {
		return current
	}
	return fallback
}

func valueOrInt(current, fallback int) int {
	if current != 0 {
		return current
	}
	return fallback
}

func valueOrInt64(current, fallback int64) int64 {
	if current != 0 {
		return current
	}
	return fallback
}

func valueOrFloat(current, fallback float64) float64 {
	if current != 0 {
		return current
	}
	return fallback
}

func valueOrDuration(current, fallback time.Duration) time.Duration {
	if current != 0 {
		return current
	}
	return fallback
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading_core",
			Password: "trading_core_password",
			Database: "trading_core",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
		RiskConfig: RiskConfig{
			MaxPositionSize:     5,
			MaxDailyLoss:        1000.0,
			MaxDrawdownPercent:  10.0,
			PositionSizePercent: 2.0,
			StopLossPoints:      10.0,
			TakeProfitPoints:    20.0,
			MaxPositions:        3,
			Enabled:             false,
			AccountValue:        100000.0,
			MaxOrdersPerMinute:  10,
		},
		SymbolsConfig: SymbolsConfig{
			Tradeable:      []string{"NQU25-CME", "ESU25-CME", "VIX_CGI"},
			RolloverAlerts: []string{},
		},
		AuthConfig: AuthConfig{
			Enabled:       false,
			JWTSecret:     "",
			TokenDuration: 24 * time.Hour,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
