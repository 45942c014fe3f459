package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"renderapi/internal/httpapi/handlers"
	"renderapi/internal/httpkit"
	"renderapi/internal/pkg/errors"
	"renderapi/internal/pkg/logger"
	"renderapi/internal/pkg/middleware"
	"renderapi/internal/render"
	"renderapi/internal/repositories"
)

type Deps struct {
	Render *render.Service
	Store  repositories.JobStore
	RDB    *redis.Client
	Log    *logger.Logger

	// APIKey guards /render/*. Empty disables auth.
	APIKey         string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Timeout(d.RequestTimeout))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAgeSeconds:  600,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, errors.CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpkit.WriteErr(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	h := handlers.New(handlers.Deps{
		Render: d.Render,
		Store:  d.Store,
		RDB:    d.RDB,
		Log:    log,
	})

	// ---- HEALTH ----
	r.Get("/healthz", h.Health)

	// ---- RENDER ----
	r.Route("/render", func(r chi.Router) {
		r.Use(httpkit.RequireBearer(d.APIKey))

		r.Post("/start", middleware.WrapHandler(log, h.StartRender))
		r.Get("/status/{renderJobId}", middleware.WrapHandler(log, h.RenderStatus))
		r.Post("/complete/{renderJobId}", middleware.WrapHandler(log, h.CompleteRender))
	})

	return r
}
