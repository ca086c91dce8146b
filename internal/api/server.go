package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/config"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/logging"
	"github.com/warden-project/warden/internal/supervisor"
)

// Server is the REST API server for Warden. Every route is a thin
// adapter over the supervisor's command dispatch, so the HTTP surface
// and the executor-originated surface stay behaviourally identical.
type Server struct {
	cfg  *config.Config
	bus  *events.Bus
	sup  *supervisor.Supervisor
	ring *logging.Ring

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, bus *events.Bus, sup *supervisor.Supervisor, ring *logging.Ring) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:  cfg,
		bus:  bus,
		sup:  sup,
		ring: ring,
	}
}

// Start initializes and starts the API server, blocking until the
// context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := s.cfg.APIAddr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.API.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleVersion)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(BearerAuth(s.cfg.API.AuthToken))
	{
		// Generic command endpoint: the full supervisor command set,
		// same envelope the executor gateway speaks.
		protected.POST("/command", s.handleCommand)

		protected.GET("/servers", s.handleGetServers)
		protected.GET("/system", s.handleGetSystem)
		protected.GET("/logs", s.handleGetGlobalLogs)

		server := protected.Group("/servers/:serverKey")
		{
			server.GET("/status", s.handleGetStatus)
			server.GET("/queue", s.handleGetQueue)
			server.GET("/logs", s.handleGetServerLogs)
			server.GET("/strategy", s.handleGetStrategy)
			server.GET("/farm-intel", s.handleGetFarmIntel)

			server.POST("/start", s.handleStartBot)
			server.POST("/stop", s.handleStopBot)
			server.POST("/pause", s.handlePauseBot)
			server.POST("/resume", s.handleResumeBot)
			server.POST("/emergency-stop", s.handleEmergencyStop)
			server.POST("/config", s.handleSaveConfig)
			server.POST("/scan", s.handleRequestScan)

			server.POST("/tasks", s.handleAddTask)
			server.DELETE("/tasks/:id", s.handleRemoveTask)
			server.DELETE("/tasks", s.handleClearQueue)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Warden API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
