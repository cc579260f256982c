// Package api serves the engine snapshot and the control operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"adaptive-grid-bot/internal/config"
	"adaptive-grid-bot/internal/metrics"
	"adaptive-grid-bot/internal/models"
	"adaptive-grid-bot/internal/ordertracker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Engine is the part of the trader the API exposes.
type Engine interface {
	Snapshot() *models.EngineState
	Orders(n int) []models.Order
	Stats() ordertracker.Stats
	Params() models.TradingParams
	Mode() models.TradingMode
	Reconfigure(update config.ParamsUpdate) (models.TradingParams, error)
	ResetSimulation(ctx context.Context) error
	SwitchMode(mode models.TradingMode) error
}

// History reads the order journal.
type History interface {
	StatusHistory(clientOrderID string) ([]models.OrderStatus, error)
	RecentOrders(limit int) ([]models.Order, error)
}

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	engine     Engine
	history    History
	httpServer *http.Server
	addr       string
	logger     *zap.Logger
	started    time.Time
}

// NewServer creates the API server. history may be nil.
func NewServer(engine Engine, history History, addr string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		engine:  engine,
		history: history,
		addr:    addr,
		logger:  logger,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/snapshot", s.handleSnapshot)
		api.GET("/orders", s.handleOrders)
		api.GET("/orders/:id/history", s.handleOrderHistory)
		api.GET("/journal/orders", s.handleJournalOrders)
		api.GET("/stats", s.handleStats)
		api.GET("/config", s.handleGetConfig)
		api.PUT("/config", s.handleUpdateConfig)
		api.POST("/simulation/reset", s.handleResetSimulation)
		api.PUT("/mode", s.handleSwitchMode)
	}
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("API server listening", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"mode":    s.engine.Mode(),
		"circuit": snap.Risk.Circuit,
		"version": snap.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

// queryLimit reads ?limit=, writing a 400 when it is malformed.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 50, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

func (s *Server) handleOrders(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": s.engine.Orders(limit)})
}

// handleJournalOrders lists journaled orders, including those pruned from memory.
func (s *Server) handleJournalOrders(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "order journal disabled"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	orders, err := s.history.RecentOrders(limit)
	if err != nil {
		s.logger.Error("Failed to read journaled orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read order journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleOrderHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "order journal disabled"})
		return
	}
	id := c.Param("id")
	statuses, err := s.history.StatusHistory(id)
	if err != nil {
		s.logger.Error("Failed to read order history", zap.String("order", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read order history"})
		return
	}
	if len(statuses) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "statuses": statuses})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Params())
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var update config.ParamsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := s.engine.Reconfigure(update)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, params)
}

func (s *Server) handleResetSimulation(c *gin.Context) {
	err := s.engine.ResetSimulation(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "simulation reset"})
	case errors.Is(err, ordertracker.ErrOrderInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

type modeRequest struct {
	Mode models.TradingMode `json:"mode" binding:"required"`
}

func (s *Server) handleSwitchMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SwitchMode(req.Mode); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":   "mode switch recorded, applied on restart",
		"current":   s.engine.Mode(),
		"requested": req.Mode,
	})
}
