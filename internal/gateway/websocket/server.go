package websocket

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/agent/registry"
	"github.com/memento-ai/memento/internal/common/config"
	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
	"github.com/memento-ai/memento/internal/health"
	"github.com/memento-ai/memento/internal/replay"
	"github.com/memento-ai/memento/internal/session/manager"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway is fronted by the hosting application.
		return true
	},
}

// Server exposes the HTTP surface: the WebSocket endpoint, health, and a
// small read-only REST API over sessions and agents.
type Server struct {
	sessions *manager.Manager
	checker  *health.Checker
	registry *registry.Registry
	replays  *replay.Service
	hub      *Hub
	logger   *logger.Logger

	httpServer *http.Server
}

// NewServer creates the gateway HTTP server.
func NewServer(cfg config.ServerConfig, sessions *manager.Manager, checker *health.Checker, reg *registry.Registry, replays *replay.Service, hub *Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		sessions: sessions,
		checker:  checker,
		registry: reg,
		replays:  replays,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "gateway")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/events", s.handleSessionEvents)
		api.GET("/agents", s.handleListAgents)
		api.GET("/stats", s.handleStats)
		api.POST("/sessions/:id/replays", s.handleRecordReplay)
		api.GET("/replays/:id/events", s.handleReplayEvents)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.checker.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(uuid.New().String(), conn, s.hub, s.logger)
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleListSessions(c *gin.Context) {
	if agentID := c.Query("agentId"); agentID != "" {
		sessions, err := s.sessions.GetSessionsByAgent(c.Request.Context(), agentID)
		if err != nil {
			s.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
		return
	}

	sessions, err := s.sessions.ListActiveSessions(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionEvents(c *gin.Context) {
	evs, err := s.sessions.RangeEvents(c.Request.Context(), c.Param("id"), 0, 0)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.List()})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.GetStats(c.Request.Context()))
}

func (s *Server) handleRecordReplay(c *gin.Context) {
	if s.replays == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "replay is not enabled"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	evs, err := s.sessions.RangeEvents(ctx, sessionID, 0, 0)
	if err != nil {
		s.renderError(c, err)
		return
	}
	rec, err := s.replays.Record(ctx, sess, evs)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"replayId": rec.ReplayID, "events": len(rec.Events)})
}

func (s *Server) handleReplayEvents(c *gin.Context) {
	if s.replays == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "replay is not enabled"})
		return
	}
	evs, err := s.replays.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch coorderr.CodeOf(err) {
	case coorderr.CodeSessionNotFound, coorderr.CodeUnknownAgent:
		status = http.StatusNotFound
	case coorderr.CodeValidation:
		status = http.StatusBadRequest
	case coorderr.CodeSessionExpired:
		status = http.StatusGone
	case coorderr.CodeShuttingDown:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": coorderr.CodeOf(err)})
}
