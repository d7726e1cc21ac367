// Package web serves the sideband status API and a WebSocket event stream.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/link"
	"ncsi-sideband/internal/sideband"
	"ncsi-sideband/internal/store"
)

// Controller is the part of the runner the API drives.
type Controller interface {
	Status(ctx context.Context) (sideband.Status, error)
	Restart() error
	History(limit int) ([]*store.ProbeRecord, error)
	Events() *events.Bus
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket and CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithInterfaces sets the lister behind /api/interfaces.
func WithInterfaces(fn func() ([]link.Device, error)) ServerOption {
	return func(s *Server) {
		s.interfaces = fn
	}
}

// Server is the HTTP server.
type Server struct {
	ctrl           Controller
	mux            *http.ServeMux
	wsHub          *WSHub
	logger         *slog.Logger
	apiKey         string
	allowedOrigins []string
	version        string
	interfaces     func() ([]link.Device, error)
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a web server bound to ctrl.
func NewServer(ctrl Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctrl:       ctrl,
		logger:     logger.With("component", "web"),
		mux:        http.NewServeMux(),
		version:    "dev",
		interfaces: link.ListDevices,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every engine event goes out to WebSocket clients.
	s.unsubEvents = ctrl.Events().OnAll(func(event events.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/topology", s.handleAPITopology)
	s.mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)
	s.mux.HandleFunc("GET /api/interfaces", s.handleAPIInterfaces)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("POST /api/restart", s.handleAPIRestart)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// The WebSocket upgrade cannot carry custom headers from a browser,
		// so only /api/ is key-protected.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
