package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
	"github.com/ramiqadoumi/go-task-gateway/services/api-gateway/middleware"
)

// MaxBodyBytes caps submission bodies.
const MaxBodyBytes = 1 << 20

// NewRouter mounts the REST endpoints behind the standard middleware stack.
// An empty allowedOrigins list allows any origin.
func NewRouter(h *REST, logger *slog.Logger, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.MaxBodySize(MaxBodyBytes))

	r.Get("/", h.Banner)
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.ListTasks)
		r.Post("/", h.SubmitTask)
		r.Post("/email-parse", h.SubmitTyped(domain.TypeEmailParse))
		r.Post("/invoice-generate", h.SubmitTyped(domain.TypeInvoiceGenerate))
		r.Post("/lead-score", h.SubmitTyped(domain.TypeLeadScore))
		r.Get("/{id}", h.GetTask)
	})
	return r
}
