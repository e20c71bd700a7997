package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"recipereader/internal/config"
	"recipereader/internal/exporter"
	"recipereader/internal/extraction"
	"recipereader/internal/formstate"
	"recipereader/internal/gate"
	"recipereader/internal/importer"
	"recipereader/internal/metrics"
	"recipereader/internal/recipes"
	"recipereader/internal/validation"
)

// requestSlack is added to the longest extraction timeout to bound a whole
// request, so the extraction call always times out first.
const requestSlack = 15 * time.Second

// Dependencies are the services the router exposes. Sessions may be nil when
// no identity provider is configured; Metrics may be nil to omit /metrics.
type Dependencies struct {
	Config         config.Config
	Logger         *slog.Logger
	Sessions       SessionRegistry
	SignInProvider string
	Extractor      *gate.SecureExtractor
	Inflight       *extraction.Inflight
	Trackers       QuotaSource
	Recipes        *recipes.Service
	Forms          *formstate.Store
	Limiter        *RateLimiter
	Metrics        prometheus.Gatherer
	UploadRules    validation.Rules
}

// RequestTimeout is the deadline applied to every request.
func RequestTimeout(cfg config.Config) time.Duration {
	return max(cfg.TextTimeout, cfg.URLTimeout, cfg.ImageTimeout) + requestSlack
}

// NewRouter wires application routes and middleware using chi.
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logger := deps.Logger
	secureCookies := cfg.SecureCookies()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout(cfg)))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token", extractionIDHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSlogMiddleware(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
		})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Metrics))
	}

	if deps.Sessions == nil {
		logger.Warn("identity provider not configured; sign-in and extraction are unavailable")
	}

	oauthHandler := NewOAuthHandler(deps.Sessions, cfg.FrontendURL, secureCookies, logger)
	sessionHandler := NewSessionHandler(deps.Sessions, deps.Trackers, deps.Inflight, secureCookies, logger)
	quotaHandler := NewQuotaHandler(deps.Trackers, logger)
	formHandler := NewFormStateHandler(deps.Forms, logger)
	recipeHandler := NewRecipeHandler(deps.Recipes, exporter.NewCSVExporter(), importer.NewCSVImporter(deps.Recipes), logger)
	extractHandler := NewExtractHandler(ExtractConfig{
		Extractor:      deps.Extractor,
		Trackers:       deps.Trackers,
		History:        deps.Recipes,
		Forms:          deps.Forms,
		Inflight:       deps.Inflight,
		UploadRules:    deps.UploadRules,
		SignInProvider: deps.SignInProvider,
		ContactURL:     cfg.ContactURL,
		Logger:         logger,
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(newSessionMiddleware(deps.Sessions, logger))

		r.Route("/auth/{provider}", func(r chi.Router) {
			r.Get("/", oauthHandler.Initiate)
			r.Get("/callback", oauthHandler.Callback)
		})

		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Status)
			r.Delete("/", sessionHandler.Logout)
		})

		r.Route("/form-state", func(r chi.Router) {
			r.Post("/", formHandler.Save)
			r.Get("/", formHandler.Restore)
			r.Delete("/{key}", formHandler.Discard)
		})

		r.Route("/extract", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if deps.Limiter != nil {
					r.Use(deps.Limiter.Middleware)
				}
				r.Post("/text", extractHandler.Text)
				r.Post("/url", extractHandler.URL)
				r.Post("/image", extractHandler.Image)
			})
			r.Delete("/{requestID}", extractHandler.Cancel)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Get("/quota", quotaHandler.Get)
			r.Route("/recipes", func(r chi.Router) {
				r.Get("/", recipeHandler.List)
				r.Post("/", recipeHandler.Create)
				r.Get("/export", recipeHandler.Export)
				r.Post("/import", recipeHandler.Import)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", recipeHandler.Get)
					r.Delete("/", recipeHandler.Delete)
					r.Put("/favorite", recipeHandler.SetFavorite)
					r.Put("/status", recipeHandler.UpdateStatus)
				})
			})
		})
	})

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	return r
}
