package hub

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/config"
	apperrors "github.com/ralphd/ralph/internal/common/errors"
	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Observers connect from local tooling; origin checks are not useful
	// for a localhost control plane.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is the HTTP surface: the websocket endpoint plus a small REST API
// over the session store.
type Server struct {
	hub    *Hub
	store  *session.Store
	logger *logger.Logger
	http   *http.Server
}

// NewServer builds the gin router around the hub.
func NewServer(cfg config.ServerConfig, h *Hub, store *session.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		hub:    h,
		store:  store,
		logger: log.WithFields(zap.String("component", "server")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleWebsocket)

	api := router.Group("/api/v1")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/events", s.handleSessionEvents)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
	}

	s.http = &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: cfg.ReadTimeoutDuration(),
		// No write timeout; websocket connections are long-lived.
	}
	return s
}

// ListenAndServe runs the HTTP server until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s.hub, conn, newClientID())
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleListSessions(c *gin.Context) {
	opts := session.ListOptions{
		WorkspaceID:  c.Query("workspaceId"),
		Source:       c.Query("source"),
		IncludeNoise: c.Query("includeNoise") == "true",
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = n
	}

	sessions, err := s.store.ListSessions(c.Request.Context(), opts)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionEvents(c *gin.Context) {
	after := int64(-1)
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after cursor"})
			return
		}
		after = n
	}

	evs, err := s.store.GetEventsSince(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.store.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) renderError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
