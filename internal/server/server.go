package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/punchclock/internal/api/v1"
	"github.com/gosuda/punchclock/internal/api/ws"
	"github.com/gosuda/punchclock/internal/audit"
	"github.com/gosuda/punchclock/internal/config"
	"github.com/gosuda/punchclock/internal/domain"
	"github.com/gosuda/punchclock/internal/server/middleware"
	"github.com/gosuda/punchclock/internal/session"
	"github.com/gosuda/punchclock/internal/trace"
)

// Source is the audit source of bridge records.
const Source = "bridge"

const (
	MsgListening = "bridge listening"
	MsgStopped   = "bridge stopped"
)

// Per-client pacing of bridge API calls.
const (
	bridgeRate  = 5
	bridgeBurst = 10
)

// Server is the loopback HTTP bridge between the webview screens and the
// session machine.
type Server struct {
	router      chi.Router
	httpServer  *http.Server
	hub         *ws.Hub
	auditLog    trace.Emitter
	unsubscribe func()
}

// New creates a Server with all routes wired. ctx bounds the background work
// of the rate limiter.
func New(ctx context.Context, cfg config.BridgeConfig, auditLog trace.Emitter, machine *session.Machine, client v1.RemoteClient) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(middleware.RequestLogger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	hub := ws.NewHub(func() any {
		return map[string]domain.SessionState{"state": machine.State()}
	}, originPatterns(cfg.Origins))

	s := &Server{
		router:   router,
		hub:      hub,
		auditLog: auditLog,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	s.unsubscribe = machine.Subscribe(func(change session.Change) {
		if err := hub.Broadcast(change); err != nil {
			log.Error().Err(err).Msg("broadcast state change")
		}
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimitByClient(ctx, bridgeRate, bridgeBurst))

		apiConfig := huma.DefaultConfig("Punchclock Bridge API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, machine, client)
	})

	router.Route("/ws", func(r chi.Router) {
		registerWSRoutes(r, hub)
	})

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server.Start: %w", err)
	}
	s.auditLog.Emit(audit.NewRecord(audit.SeverityInfo, Source, MsgListening, audit.Fields{
		"addr": ln.Addr().String(),
	}))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	err := s.httpServer.Shutdown(ctx)
	s.auditLog.Emit(audit.NewRecord(audit.SeverityInfo, Source, MsgStopped, audit.Fields{
		"clients": s.hub.Clients(),
	}))
	if err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

// originPatterns turns CORS origins into the host patterns the websocket
// handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
