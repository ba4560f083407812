package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hyprwatch/shadow-agent/internal/config"
	"github.com/hyprwatch/shadow-agent/internal/osqueryd"
)

// Server is the local read-only status surface of the agent. It exposes the
// supervisor state for operators and health checks and is bound to a
// loopback address by default.
type Server struct {
	http *http.Server
}

// New builds the status server on addr.
func New(addr, hostID string, sup *osqueryd.Supervisor, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggingMiddleware(logger))

	h := &handler{hostID: hostID, sup: sup, started: time.Now()}
	router.GET("/healthz", h.Healthz)
	router.GET("/status", h.Status)

	s := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{http: s}
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type handler struct {
	hostID  string
	sup     *osqueryd.Supervisor
	started time.Time
}

func (h *handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handler) Status(c *gin.Context) {
	snap := h.sup.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"data": gin.H{
			"version":  config.Version,
			"host_id":  h.hostID,
			"uptime":   time.Since(h.started).Round(time.Second).String(),
			"osqueryd": snap,
		},
	})
}
