package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"knxlink/config"
	"knxlink/engine"
	"knxlink/logging"
)

// Server serves the REST API under /api.
type Server struct {
	config   *config.WebConfig
	engine   *engine.Engine
	appCfg   *config.Config
	server   *http.Server
	listener net.Listener
	running  bool
	mu       sync.RWMutex

	cleanup func()
}

// NewServer creates the API server for eng.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	return &Server{
		config: &cfg.Web,
		engine: eng,
		appCfg: cfg,
	}
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

// corsMiddleware adds CORS headers for API access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the full HTTP handler. The returned cleanup function stops
// the event stream.
func Handler(cfg *config.Config, eng *engine.Engine) (http.Handler, func()) {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	apiRouter, cleanup := NewRouter(eng, cfg)
	r.Mount("/api", apiRouter)
	return r, cleanup
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	handler, cleanup := Handler(s.appCfg, s.engine)
	s.cleanup = cleanup
	s.listener = ln
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logging.DebugLog("api", "Server stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.DebugLog("api", "Listening on %s", ln.Addr())
	return nil
}

// Stop halts the HTTP server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	// SSE handlers only return once the hub closes their channels.
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.listener = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server's base URL, using the bound port while running.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return "http://" + net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}
