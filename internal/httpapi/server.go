// Package httpapi serves the REST control surface and the WebSocket bridge
// onto the event bus. Handlers translate the shared error taxonomy into
// status codes; everything else is delegation to the runtime components.
package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/backtest"
	"github.com/tradeforge/tradeforge/internal/config"
	"github.com/tradeforge/tradeforge/internal/live"
	"github.com/tradeforge/tradeforge/internal/marketdata"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/stream"
)

type ctxKey int

const requestIDKey ctxKey = 0

// Options wires the server's dependencies.
type Options struct {
	Store     *persistence.Store
	Market    *marketdata.Facade
	Backtests *backtest.Orchestrator
	Live      *live.Manager
	Bus       *stream.Bus
	Metrics   *metrics.Registry
	Config    config.ServerConfig
	Log       zerolog.Logger
	// Shutdown is invoked by an authorized POST /api/v1/shutdown. The
	// server calls it on a fresh goroutine after the response is written.
	Shutdown func()
}

// Server is the HTTP/WS listener.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers
	cfg      config.ServerConfig
	log      zerolog.Logger
}

// NewServer builds the router and the underlying http.Server. Start must
// still be called to listen.
func NewServer(opts Options) *Server {
	log := opts.Log.With().Str("component", "http").Logger()
	s := &Server{
		router: mux.NewRouter(),
		handlers: &handlers{
			store:     opts.Store,
			market:    opts.Market,
			backtests: opts.Backtests,
			live:      opts.Live,
			bus:       opts.Bus,
			metrics:   opts.Metrics,
			token:     opts.Config.ShutdownToken,
			shutdown:  opts.Shutdown,
			started:   time.Now().UTC(),
			log:       log,
		},
		cfg: opts.Config,
		log: log,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:      s.router,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/healthz", s.handlers.health).Methods(http.MethodGet)
	if s.handlers.metrics != nil {
		s.router.Handle("/metrics", s.handlers.metrics.Handler()).Methods(http.MethodGet)
	}

	// The bridge lives outside the API subrouter: WebSocket connections
	// outlive any per-request timeout.
	s.router.HandleFunc("/ws/{topic}", s.handlers.serveWS).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.timeoutMiddleware)

	api.HandleFunc("/strategies", s.handlers.saveStrategy).Methods(http.MethodPost)
	api.HandleFunc("/strategies", s.handlers.listStrategies).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{hash}", s.handlers.getStrategy).Methods(http.MethodGet)

	api.HandleFunc("/backtest", s.handlers.submitBacktest).Methods(http.MethodPost)
	api.HandleFunc("/backtest", s.handlers.listBacktests).Methods(http.MethodGet)
	api.HandleFunc("/backtest/grid", s.handlers.gridSearch).Methods(http.MethodPost)
	api.HandleFunc("/backtest/{id}", s.handlers.getBacktest).Methods(http.MethodGet)

	api.HandleFunc("/live/deploy", s.handlers.deploySession).Methods(http.MethodPost)
	api.HandleFunc("/live", s.handlers.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/live/{id}", s.handlers.getSession).Methods(http.MethodGet)
	api.HandleFunc("/live/{id}/pause", s.handlers.pauseSession).Methods(http.MethodPost)
	api.HandleFunc("/live/{id}/resume", s.handlers.resumeSession).Methods(http.MethodPost)
	api.HandleFunc("/live/{id}/stop", s.handlers.stopSession).Methods(http.MethodPost)

	api.HandleFunc("/kill-switch", s.handlers.killSwitch).Methods(http.MethodPost)

	api.HandleFunc("/risk/profiles", s.handlers.saveRiskProfile).Methods(http.MethodPost)
	api.HandleFunc("/risk/profiles", s.handlers.listRiskProfiles).Methods(http.MethodGet)
	api.HandleFunc("/risk/profiles/{id}", s.handlers.getRiskProfile).Methods(http.MethodGet)

	api.HandleFunc("/data/cache/status", s.handlers.cacheStatus).Methods(http.MethodGet)
	api.HandleFunc("/data/cache/{symbol}/{interval}", s.handlers.deleteCache).Methods(http.MethodDelete)

	api.HandleFunc("/shutdown", s.handlers.requestShutdown).Methods(http.MethodPost)

	// Preflight requests need a matching route or the middleware chain
	// never runs; the CORS middleware answers them before this handler.
	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.notFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.methodNotAllowed)
}

// Router exposes the handler tree for tests and embedded use.
func (s *Server) Router() http.Handler { return s.router }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Start listens until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		s.log.Info().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the WebSocket upgrade working through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
