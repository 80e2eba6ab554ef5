package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	// Build connection string
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// Create connection pool
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Positions table: one row per symbol, upserted on every update
		`CREATE TABLE IF NOT EXISTS positions (
			symbol VARCHAR(32) PRIMARY KEY,
			quantity BIGINT NOT NULL,
			side VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL,
			unrealized_pnl DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			last_update TIMESTAMP NOT NULL
		)`,

		// Risk parameters history: append-only, latest row wins on reload
		`CREATE TABLE IF NOT EXISTS risk_parameters (
			id SERIAL PRIMARY KEY,
			max_position_size BIGINT NOT NULL,
			max_daily_loss DECIMAL(20, 8) NOT NULL,
			max_drawdown_percent DECIMAL(10, 4) NOT NULL,
			position_size_percent DECIMAL(10, 4) NOT NULL,
			stop_loss_points DECIMAL(10, 4) NOT NULL,
			take_profit_points DECIMAL(10, 4) NOT NULL,
			max_positions INT NOT NULL,
			enabled BOOLEAN NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// System config history: append-only, latest row wins on reload
		`CREATE TABLE IF NOT EXISTS system_config (
			id SERIAL PRIMARY KEY,
			auto_trade_enabled BOOLEAN NOT NULL,
			trading_enabled BOOLEAN NOT NULL,
			max_orders_per_minute INT NOT NULL,
			emergency_stop_triggered BOOLEAN NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Lifecycle transition audit trail
		`CREATE TABLE IF NOT EXISTS state_history (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			event_type VARCHAR(50) NOT NULL,
			old_state VARCHAR(32),
			new_state VARCHAR(32),
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_state_history_timestamp ON state_history(timestamp)`,

		// Raw market ticks, subject to retention cleanup
		`CREATE TABLE IF NOT EXISTS market_data (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			bid DECIMAL(20, 8),
			ask DECIMAL(20, 8),
			volume BIGINT,
			timestamp TIMESTAMP NOT NULL,
			source VARCHAR(50),
			received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_data_symbol ON market_data(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_market_data_timestamp ON market_data(timestamp)`,

		// Daily P&L snapshots
		`CREATE TABLE IF NOT EXISTS pnl_history (
			id SERIAL PRIMARY KEY,
			date VARCHAR(10) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			unrealized_pnl DECIMAL(20, 8) NOT NULL,
			total_pnl DECIMAL(20, 8) NOT NULL,
			timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pnl_history_date ON pnl_history(date)`,

		// Risk violation audit trail
		`CREATE TABLE IF NOT EXISTS risk_violations (
			id VARCHAR(36) PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			level VARCHAR(12) NOT NULL,
			message TEXT NOT NULL,
			details JSONB,
			rule_type VARCHAR(50) NOT NULL,
			recommendation TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_violations_timestamp ON risk_violations(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_violations_level ON risk_violations(level)`,

		// Every validation call, approved or rejected
		`CREATE TABLE IF NOT EXISTS trade_validations (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity BIGINT NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			approved BOOLEAN NOT NULL,
			rejection_reasons JSONB,
			risk_score DECIMAL(10, 4) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_validations_timestamp ON trade_validations(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_validations_symbol ON trade_validations(symbol)`,

		// One summary row per trading day, upserted
		`CREATE TABLE IF NOT EXISTS daily_risk_summary (
			date VARCHAR(10) PRIMARY KEY,
			max_exposure DECIMAL(20, 8) NOT NULL,
			max_drawdown DECIMAL(20, 8) NOT NULL,
			total_violations INT NOT NULL,
			trades_blocked BIGINT NOT NULL,
			risk_score DECIMAL(10, 4) NOT NULL,
			summary JSONB
		)`,
	}

	// Execute migrations
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
