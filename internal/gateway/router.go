// Package gateway exposes the engine over HTTP: a websocket endpoint
// streaming chunks per request, plus the approval recovery endpoint
// clients use after reconnect.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	approvalservice "github.com/parleyhq/parley/internal/approval/service"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/engine"
)

// Server wires the HTTP routes to the engine.
type Server struct {
	engine    *engine.Engine
	approvals *approvalservice.Service
	logger    *logger.Logger
	router    *gin.Engine
}

// NewServer creates the gateway router.
func NewServer(eng *engine.Engine, approvals *approvalservice.Service, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		engine:    eng,
		approvals: approvals,
		logger:    log,
		router:    router,
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)
	router.GET("/v1/sessions/:id/approvals", s.handlePendingApprovals)
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handlePendingApprovals lets a reconnecting client rebuild its approval
// UI: pending requests for the session, oldest first.
func (s *Server) handlePendingApprovals(c *gin.Context) {
	sessionID := c.Param("id")
	pending, err := s.approvals.FindPendingBySession(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}
