package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/api/websocket"
	"github.com/KevinKickass/OpenRemoteIO/internal/auth"
	"github.com/KevinKickass/OpenRemoteIO/internal/config"
	"github.com/KevinKickass/OpenRemoteIO/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService // nil disables auth
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // wait-edge and websocket hold the response
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

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

func (s *Server) authenticated() gin.HandlerFunc {
	if s.authService == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.authService.AuthMiddleware()
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.healthCheck)
	v1.GET("/protocol", s.getProtocol)

	// ==================== NODES ====================
	nodes := v1.Group("/nodes")
	nodes.Use(s.authenticated())
	{
		// Read operations: Operator+
		nodes.GET("", auth.RequirePermission(auth.PermOperator), s.listNodes)
		nodes.GET("/:id", auth.RequirePermission(auth.PermOperator), s.inspectNode)
		nodes.POST("/:id/wait-edge", auth.RequirePermission(auth.PermOperator), s.waitEdge)

		// Write operations: Technician+
		nodes.POST("/:id/output", auth.RequirePermission(auth.PermTechnician), s.setOutputs)
		nodes.POST("/:id/pins/:ch", auth.RequirePermission(auth.PermTechnician), s.writePin)
		nodes.POST("/:id/clear-errors", auth.RequirePermission(auth.PermTechnician), s.clearErrors)
		nodes.POST("/:id/command", auth.RequirePermission(auth.PermTechnician), s.sendCommand)
	}

	// ==================== JOURNAL & SYSTEM (OPERATOR+) ====================
	system := v1.Group("")
	system.Use(s.authenticated())
	system.Use(auth.RequirePermission(auth.PermOperator))
	{
		system.GET("/frames", s.listFrames)
		system.GET("/system/status", s.getSystemStatus)
	}

	// ==================== WEBSOCKET ====================
	ws := v1.Group("/ws")
	ws.Use(s.authenticated())
	{
		ws.GET("/monitor", auth.RequirePermission(auth.PermOperator), s.wsMonitor)
		ws.GET("/status", auth.RequirePermission(auth.PermOperator), s.wsStatus)
	}
}

// WebSocket handlers
func (s *Server) wsMonitor(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"timestamp":   time.Now().Unix(),
		"nodes":       status.NodeCount,
		"alive_nodes": status.AliveNodes,
	})
}
