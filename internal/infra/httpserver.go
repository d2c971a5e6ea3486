package infra

import (
	"context"
	"net"
	"net/http"
	"time"
)

// HTTPServer owns the intake API listener lifecycle: Start blocks until the
// listener closes, Shutdown drains in-flight webhook deliveries before
// returning so a deploy never drops a signed payload mid-read.
type HTTPServer struct {
	srv *http.Server
}

// NewHTTPServer binds the configured timeouts onto a server for the given
// handler. The header read timeout stays short regardless of the body
// timeouts; webhook bodies are capped elsewhere.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              net.JoinHostPort("", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
		},
	}
}

// Addr reports the listen address the server was configured with.
func (s *HTTPServer) Addr() string {
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr
}

// Start runs the listener in the current goroutine and returns
// http.ErrServerClosed after a graceful Shutdown.
func (s *HTTPServer) Start() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for active requests up to
// the context deadline.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
