package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cerberus-iot/cerberus/internal/server"
)

// DefaultMaxBodyBytes caps request bodies when RouterConfig leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// RouterConfig wires the HTTP router.
type RouterConfig struct {
	Handler      *Handler
	Metrics      http.Handler
	Shutdown     *server.ShutdownManager
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// NewRouter builds the HTTP handler tree. /health and /metrics bypass the
// API middleware so probes keep answering during shutdown.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(logger), RequestIDMiddleware, CorrelationIDMiddleware)

	r.Get("/health", Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		if cfg.Shutdown != nil {
			api.Use(server.ShutdownMiddleware(cfg.Shutdown))
		}
		api.Use(AccessLogMiddleware(logger), ContentTypeMiddleware, BodyLimitMiddleware(maxBody))

		h := cfg.Handler
		api.Post("/report", h.Report)
		api.Post("/reports/batch", h.Batch)
		api.Get("/reports/latest", h.Latest)
		api.Get("/devices/battery-status", h.BatteryStatus)
		api.Get("/devices/security", h.Security)
		api.Get("/devices/risk", h.Risk)
		api.Get("/events", h.Events)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "", GetRequestID(r.Context()))
	})
	return r
}
