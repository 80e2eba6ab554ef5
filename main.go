package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"trading-core/config"
	"trading-core/internal/api"
	"trading-core/internal/database"
	"trading-core/internal/events"
	"trading-core/internal/logging"
	"trading-core/internal/risk"
	"trading-core/internal/state"
	"trading-core/internal/symbols"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().Msg("Starting trading core")

	// Connect to PostgreSQL
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	cancelMigrate()

	// Optional Redis snapshot cache
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = database.NewRedisClient(cfg.RedisConfig.Address, cfg.RedisConfig.Password, cfg.RedisConfig.DB)
	}
	snapshotCache := database.NewRedisStateCache(redisClient, logger)

	// Event bus
	bus := events.NewEventBus()

	// Symbol provider
	provider := symbols.NewProvider(cfg.SymbolsConfig.Tradeable, logger)
	if len(cfg.SymbolsConfig.RolloverAlerts) > 0 {
		alerts := make([]symbols.RolloverAlert, 0, len(cfg.SymbolsConfig.RolloverAlerts))
		for _, sym := range cfg.SymbolsConfig.RolloverAlerts {
			alerts = append(alerts, symbols.RolloverAlert{Symbol: sym})
		}
		provider.SetRolloverAlerts(alerts)
	}

	// State store
	stateRepo := database.NewStateRepository(db)
	defaults := state.RiskParameters{
		MaxPositionSize:     cfg.RiskConfig.MaxPositionSize,
		MaxDailyLoss:        cfg.RiskConfig.MaxDailyLoss,
		MaxDrawdownPercent:  cfg.RiskConfig.MaxDrawdownPercent,
		PositionSizePercent: cfg.RiskConfig.PositionSizePercent,
		StopLossPoints:      cfg.RiskConfig.StopLossPoints,
		TakeProfitPoints:    cfg.RiskConfig.TakeProfitPoints,
		MaxPositions:        cfg.RiskConfig.MaxPositions,
		Enabled:             cfg.RiskConfig.Enabled,
	}
	defaultConfig := state.SystemConfig{
		AutoTradeEnabled:   false,
		TradingEnabled:     true,
		MaxOrdersPerMinute: cfg.RiskConfig.MaxOrdersPerMinute,
	}
	store := state.NewStore(stateRepo, bus, snapshotCache, defaults, defaultConfig, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.Start(startCtx); err != nil {
		cancelStart()
		logger.Fatal().Err(err).Msg("Failed to start state store")
	}
	cancelStart()

	// Risk engine
	riskRepo := database.NewRiskRepository(db)
	engine := risk.NewEngine(store, provider, riskRepo, bus, cfg.RiskConfig.AccountValue, logger)
	if err := engine.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start risk engine")
	}

	// HTTP API
	var jwtManager *api.JWTManager
	if cfg.AuthConfig.Enabled {
		jwtManager = api.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.TokenDuration)
	}
	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.LoggingConfig.JSONFormat,
		AllowedOrigins: splitOrigins(cfg.ServerConfig.AllowedOrigins),
	}, store, engine, provider, jwtManager, logger)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start API server")
	}

	logger.Info().Msg("Trading core running")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Risk engine shutdown error")
	}
	if err := store.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("State store shutdown error")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("Redis close error")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
