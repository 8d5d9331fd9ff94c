package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/PendantCore/internal/api/websocket"
	"github.com/KevinKickass/PendantCore/internal/auth"
	"github.com/KevinKickass/PendantCore/internal/config"
	"github.com/KevinKickass/PendantCore/internal/interfaces"
	"github.com/KevinKickass/PendantCore/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub
	authn  *auth.Authenticator
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authn *auth.Authenticator) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
		wsHub:  wsHub,
		authn:  authn,
	}

	s.setupRoutes(cfg.Server.CORSOrigins)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background. A listener failure is logged, the
// process keeps running so the safety core stays up.
func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(corsOrigins []string) {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware(corsOrigins))
	s.router.Use(metrics.RequestMetricsMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		v1.GET("/ws/live", s.wsLiveConnection)

		api := v1.Group("")
		api.Use(s.authn.Middleware())

		// ==================== SYSTEM (OPERATOR+) ====================
		api.GET("/system/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)
		api.GET("/ws/status", auth.RequirePermission(auth.PermOperator), s.wsStatus)

		// ==================== SAFETY ====================
		safety := api.Group("/safety")
		{
			// Read & e-stop: Operator+
			safety.GET("/status", auth.RequirePermission(auth.PermOperator), s.getSafetyStatus)
			safety.GET("/interlocks", auth.RequirePermission(auth.PermOperator), s.listInterlocks)
			safety.GET("/interlocks/:name", auth.RequirePermission(auth.PermOperator), s.getInterlock)
			safety.GET("/events", auth.RequirePermission(auth.PermOperator), s.listSafetyEvents)
			safety.POST("/emergency-stop", auth.RequirePermission(auth.PermOperator), s.triggerEmergencyStop)

			// Manual override & reset: Technician+
			safety.PUT("/interlocks/:name/status", auth.RequirePermission(auth.PermTechnician), s.updateInterlockStatus)
			safety.POST("/emergency-stop/reset", auth.RequirePermission(auth.PermTechnician), s.resetEmergencyStop)

			// Configuration: Admin only
			safety.POST("/interlocks", auth.RequirePermission(auth.PermAdmin), s.registerInterlock)
			safety.DELETE("/interlocks/:name", auth.RequirePermission(auth.PermAdmin), s.unregisterInterlock)
			safety.PUT("/interlocks/:name/enabled", auth.RequirePermission(auth.PermAdmin), s.setInterlockEnabled)
			safety.PUT("/critical", auth.RequirePermission(auth.PermAdmin), s.setCriticalDevices)
		}

		// ==================== RECIPE EXECUTION (OPERATOR+) ====================
		rec := api.Group("/recipe")
		rec.Use(auth.RequirePermission(auth.PermOperator))
		{
			rec.GET("/status", s.getRecipeStatus)
			rec.GET("/active", s.getActiveRecipe)
			rec.POST("/validate", s.validateRecipe)
			rec.POST("/load", s.loadRecipe)
			rec.POST("/load/:id", s.loadStoredRecipe)
			rec.POST("/start", s.startRecipe)
			rec.POST("/pause", s.pauseRecipe)
			rec.POST("/resume", s.resumeRecipe)
			rec.POST("/stop", s.stopRecipe)
		}

		// ==================== RECIPE LIBRARY ====================
		library := api.Group("/recipes")
		{
			library.GET("", auth.RequirePermission(auth.PermOperator), s.listRecipes)
			library.GET("/:id", auth.RequirePermission(auth.PermOperator), s.getRecipe)
			library.POST("", auth.RequirePermission(auth.PermTechnician), s.saveRecipe)
			library.DELETE("/:id", auth.RequirePermission(auth.PermAdmin), s.deleteRecipe)
		}

		// ==================== TEACHING ====================
		teaching := api.Group("/teaching")
		{
			teaching.GET("/providers", auth.RequirePermission(auth.PermOperator), s.listTeachingProviders)
			teaching.GET("/groups", auth.RequirePermission(auth.PermOperator), s.listTeachingGroups)
			teaching.GET("/groups/:group/locations", auth.RequirePermission(auth.PermOperator), s.listTeachingLocations)
			teaching.GET("/positions/:group/:location", auth.RequirePermission(auth.PermOperator), s.getTeachingPosition)
			teaching.PUT("/positions/:group/:location", auth.RequirePermission(auth.PermTechnician), s.updateTeachingPosition)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"safety":    s.lm.Safety().Status(),
		"timestamp": time.Now().Unix(),
	})
}
