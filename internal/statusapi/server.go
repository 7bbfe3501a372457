// Package statusapi serves the agent's state, operator notifications and
// Prometheus metrics over a local HTTP API.
package statusapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fieldops/uplink/internal/agent"
	"github.com/fieldops/uplink/internal/log"
	"github.com/fieldops/uplink/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports the agent's current status.
type StatusSource interface {
	Status() agent.Status
}

// Server is the status HTTP server.
type Server struct {
	addr       string
	source     StatusSource
	board      *notify.Board
	metrics    *Metrics
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, source StatusSource, board *notify.Board, metrics *Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    addr,
		source:  source,
		board:   board,
		metrics: metrics,
		router:  gin.New(),
	}
	s.router.Use(loggingMiddleware(), gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
	}

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Status API listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down status API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.source.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     st.State,
		"connected": st.Connected,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{"agent": s.source.Status()}
	if s.board != nil {
		resp["status_text"] = s.board.Status()
		resp["notifications"] = s.board.Recent()
	}
	c.JSON(http.StatusOK, resp)
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Status API request")
	}
}
