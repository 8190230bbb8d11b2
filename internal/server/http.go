package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/pollquiz/internal/config"
	"github.com/gokatarajesh/pollquiz/internal/logging"
	httperrors "github.com/gokatarajesh/pollquiz/pkg/http/errors"
)

// Check pings one upstream dependency.
type Check func(ctx context.Context) error

// NewHTTPServer wires base routes (health, metrics, dependency ping) and the
// chat websocket endpoint.
func NewHTTPServer(cfg *config.App, logger zerolog.Logger, gatherer prometheus.Gatherer, checks map[string]Check, chatHandler http.HandlerFunc) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewMux(logger, gatherer, checks, chatHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewMux builds the route table.
func NewMux(logger zerolog.Logger, gatherer prometheus.Gatherer, checks map[string]Check, chatHandler http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.IntoContext(r.Context(), logger)
		if failed := pingDependencies(ctx, checks); len(failed) > 0 {
			l := logging.FromContext(ctx)
			l.Error().Interface("failed", failed).Msg("dependency ping failed")
			httperrors.Respond(w, httperrors.ErrorResponse{Error: httperrors.ErrCodeUpstreamError, Message: "upstream error", Details: failed})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	if chatHandler != nil {
		mux.HandleFunc("/ws/chat", chatHandler)
	}
	return mux
}

func pingDependencies(ctx context.Context, checks map[string]Check) map[string]any {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]any{}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}
