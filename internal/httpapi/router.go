package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/jmylchreest/videorelay-broker/internal/broker"
)

// handlers bundles the broker facade and its collaborators needed by the
// route handlers.
type handlers struct {
	broker   *broker.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRouter builds the chi router mapping the control plane and the
// subscriber-facing websocket route onto the given Broker. metricsHandler
// may be nil to omit the /metrics route entirely.
func NewRouter(b *broker.Broker, logger *slog.Logger, metricsHandler http.Handler) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 32 * 1024,
			// Subscribers are expected to be browser clients on a
			// different origin than the control plane; the broker itself
			// performs no subscriber authentication per spec.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestID)
	r.Use(loggingMiddleware(logger))
	r.Use(recovery(logger))

	r.Route("/control", func(r chi.Router) {
		r.Post("/start", h.handleStart)
		r.Post("/stop", h.handleStop)
		r.Get("/channels", h.handleInspectAll)
		r.Get("/channels/{channel_key}", h.handleInspect)
	})

	r.Get("/streams/{channel_key}", h.handleStream)

	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}

	return r
}
