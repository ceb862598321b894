// Package status exposes a small read-only HTTP view of a running master or
// worker.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/version"
)

// Report is the body of GET /status.
type Report struct {
	Role     string    `json:"role"`
	Name     string    `json:"name,omitempty"`
	Version  string    `json:"version"`
	Protocol int       `json:"protocol"`
	Started  time.Time `json:"started"`
	Uptime   string    `json:"uptime"`
	Layers   []string  `json:"layers,omitempty"`

	// Sessions holds role specific session details.
	Sessions any `json:"sessions,omitempty"`
}

// Source fills the role specific part of a report. It is called once per
// request and must be safe for concurrent use.
type Source func(r *Report)

// Server answers status requests.
type Server struct {
	role    string
	name    string
	src     Source
	started time.Time
	now     func() time.Time
}

// New returns a Server for the given role ("master" or "worker").
func New(role, name string, src Source) *Server {
	return &Server{role: role, name: name, src: src, started: time.Now(), now: time.Now}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/status", s.handleStatus)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleStatus(c *echo.Context) error {
	r := Report{
		Role:     s.role,
		Name:     s.name,
		Version:  version.String(),
		Protocol: version.Protocol,
		Started:  s.started,
		Uptime:   s.now().Sub(s.started).Round(time.Second).String(),
	}
	if s.src != nil {
		s.src(&r)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Serve runs the HTTP server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string, log logger.Logger) error {
	e := echo.New()
	e.Use(middleware.Recover())
	s.Register(e)
	log.Info("status endpoint", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	if err := sc.Start(ctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
