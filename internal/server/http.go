package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/auth"
	"github.com/quizarena/live/internal/config"
	"github.com/quizarena/live/internal/leaderboard"
	"github.com/quizarena/live/internal/logging"
	"github.com/quizarena/live/internal/metrics"
	"github.com/quizarena/live/internal/session"
)

// Pinger checks one upstream dependency.
type Pinger func(ctx context.Context) error

// Routes bundles the handlers the API serves.
type Routes struct {
	Sessions    *session.HTTPHandlers
	Leaderboard *leaderboard.HTTPHandler
	Realtime    http.Handler
	Tokens      auth.Validator
	Pingers     []Pinger
}

// NewHTTPServer wires the REST, WebSocket and operational routes.
func NewHTTPServer(cfg *config.App, logger zerolog.Logger, routes Routes) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.IntoContext(r.Context(), logger)
		for _, ping := range routes.Pingers {
			if err := ping(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency ping failed")
				http.Error(w, "upstream error", http.StatusBadGateway)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	if s := routes.Sessions; s != nil {
		handle(mux, "POST /sessions/create", s.Create)
		handle(mux, "GET /sessions", s.List)
		handle(mux, "GET /sessions/{code}", s.Get)
		handle(mux, "DELETE /sessions/{code}", s.Cancel)
		handle(mux, "GET /sessions/{code}/leaderboard", s.Leaderboard)
		handle(mux, "GET /sessions/{code}/participants", s.Participants)
		handle(mux, "GET /sessions/{code}/stats", s.Stats)
	}

	if routes.Leaderboard != nil {
		handle(mux, "GET /v1/leaderboards/{window}", routes.Leaderboard.HandleGet)
	}

	// the socket authenticates itself from ?token=; not instrumented because
	// the upgrade needs the raw ResponseWriter
	if routes.Realtime != nil {
		mux.Handle("GET /ws", routes.Realtime)
	} else {
		mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "WebSocket handler not configured", http.StatusNotImplemented)
		})
	}

	var root http.Handler = mux
	if routes.Tokens != nil {
		root = withAuth(auth.AuthMiddleware(routes.Tokens, logger), mux)
	}

	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: root,
	}
}

func handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, metrics.Instrument(pattern, fn))
}

// withAuth applies mw to everything except the WebSocket upgrade, which
// carries its token in the query string.
func withAuth(mw func(http.Handler) http.Handler, mux *http.ServeMux) http.Handler {
	authed := mw(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			mux.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
}
