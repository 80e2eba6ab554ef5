// Package api exposes the state store and risk engine over HTTP for
// dashboards and trading clients. Mutating admin operations sit behind
// JWT bearer auth.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trading-core/internal/risk"
	"trading-core/internal/state"
	"trading-core/internal/symbols"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowedOrigins []string
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	cfg         ServerConfig
	store       *state.Store
	engine      *risk.Engine
	symbols     *symbols.Provider
	jwtManager  *JWTManager
	authEnabled bool
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startTime   time.Time
}

// NewServer creates a new API server. jwtManager may be nil, which leaves
// the admin routes unregistered.
func NewServer(cfg ServerConfig, store *state.Store, engine *risk.Engine, provider *symbols.Provider, jwtManager *JWTManager, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		cfg:         cfg,
		store:       store,
		engine:      engine,
		symbols:     provider,
		jwtManager:  jwtManager,
		authEnabled: jwtManager != nil,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
		startTime:   time.Now(),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/state", s.handleGetState)
		api.GET("/state/positions", s.handleGetPositions)
		api.GET("/symbols", s.handleGetSymbols)

		riskGroup := api.Group("/risk")
		{
			riskGroup.GET("/status", s.handleRiskStatus)
			riskGroup.GET("/violations", s.handleRiskViolations)
			riskGroup.GET("/safety", s.handleSystemSafety)
			riskGroup.POST("/validate", s.rateLimitMiddleware(), s.handleValidate)
			riskGroup.POST("/position-size", s.handlePositionSize)
		}

		if s.authEnabled {
			admin := api.Group("/admin")
			admin.Use(AuthMiddleware(s.jwtManager), RequireAdmin())
			{
				admin.POST("/circuit-breaker/reset", s.handleResetCircuitBreaker)
				admin.POST("/emergency-stop", s.handleEmergencyStop)
				admin.PUT("/risk-parameters", s.handleUpdateRiskParameters)
				admin.PUT("/system-config", s.handleUpdateSystemConfig)
				admin.PUT("/system-state", s.handleSetSystemState)
			}
		}
	}
}

// rateLimitMiddleware throttles the validation endpoint so a runaway
// client cannot flood the engine.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.FullPath()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
