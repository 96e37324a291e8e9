package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	prdotel "github.com/Strob0t/PRDForge/internal/adapter/otel"
)

// RouterConfig configures the middleware stack built by NewRouter.
type RouterConfig struct {
	CORSOrigin     string
	ServiceName    string
	RequestTimeout time.Duration
	Log            *slog.Logger
	// Limit, when set, wraps the routes that start LLM work.
	Limit func(http.Handler) http.Handler
}

// NewRouter builds the chi router with the standard middleware stack and
// every API route mounted.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(prdotel.HTTPMiddleware(cfg.ServiceName))
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigin))
	r.Use(RequestIDs)
	r.Use(Logger(cfg.Log))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// The WebSocket stays outside the request timeout.
	r.Get("/ws", h.Stream)
	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
		}
		MountRoutes(r, h, cfg.Limit)
	})
	return r
}

// MountRoutes registers the API routes on r. limit may be nil.
func MountRoutes(r chi.Router, h *Handlers, limit func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if limit != nil {
				r.Use(limit)
			}
			r.Post("/projects/init", h.InitializeProject)
			r.Post("/projects/feedback", h.SubmitFeedback)
			r.Post("/consultant/messages", h.ConsultantMessage)
			r.Post("/consultant/approve", h.ApproveSummary)
		})

		r.Get("/projects/progress", h.GetProgress)
		r.Get("/projects/document", h.GetDocument)

		r.Get("/events", h.ListEvents)
		r.Get("/events/{correlationID}", h.EventsByCorrelation)
		r.Get("/metrics", h.GetMetrics)
		r.Get("/memory/search", h.SearchMemory)
	})
}
