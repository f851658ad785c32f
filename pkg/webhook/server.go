// Copyright 2024-2026 Aiku AI

package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/requestlog"
)

// DefaultPort is the TCP port used when none is configured.
const DefaultPort = 4785

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Path is a UNIX socket path. When set, Host and Port are ignored.
	Path string `yaml:"path"`

	MaxBodySize    int64         `yaml:"max_body_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Address returns the TCP address or socket path the server listens on.
func (c ServerConfig) Address() string {
	if c.Path != "" {
		return c.Path
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Server serves a Handler on TCP or a UNIX socket.
type Server struct {
	cfg    ServerConfig
	log    zerolog.Logger
	router chi.Router
	srv    *http.Server
}

// NewServer wires the handler behind request logging and panic recovery.
// Every path is routed to the handler, which reads the room from it.
func NewServer(cfg ServerConfig, handler http.Handler, log zerolog.Logger) *Server {
	log = log.With().Str("component", "http_server").Logger()
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-ID"))
	r.Use(requestlog.AccessLogger(false))
	r.Use(middleware.Recoverer)
	r.Handle("/*", handler)

	return &Server{
		cfg:    cfg,
		log:    log,
		router: r,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen opens the configured socket. A stale UNIX socket file is replaced
// and the new one is made group writable.
func (s *Server) Listen() (net.Listener, error) {
	if s.cfg.Path == "" {
		ln, err := net.Listen("tcp", s.cfg.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
		}
		return ln, nil
	}
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Path, err)
	}
	if err := os.Chmod(s.cfg.Path, 0o664); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to chmod socket: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("address", ln.Addr().String()).Msg("Webhook server listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
