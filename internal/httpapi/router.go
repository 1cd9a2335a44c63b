package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"reel/internal/httpapi/handlers"
	"reel/internal/httpkit"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/pkg/middleware"
)

type Deps struct {
	Handlers       handlers.Deps
	Metrics        http.Handler
	AllowedOrigins []string
	// SubmitLimiter throttles POST /jobs per client. Nil disables it.
	SubmitLimiter *middleware.RateLimiter
	Log           *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	d.Handlers.Log = log

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Request-ID", "Location"},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(d.Handlers)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH / METRICS ----
	r.Get("/health", wrap(h.Health))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// ---- JOBS ----
	r.Route("/jobs", func(r chi.Router) {
		if d.SubmitLimiter != nil {
			r.With(d.SubmitLimiter.Middleware).Post("/", wrap(h.PostJob))
		} else {
			r.Post("/", wrap(h.PostJob))
		}
		r.Get("/", wrap(h.ListJobs))
		r.Get("/{jobId}", wrap(h.GetJob))
		r.Delete("/{jobId}", wrap(h.CancelJob))
	})

	// ---- ARTIFACTS ----
	r.Get("/artifacts/*", wrap(h.StreamArtifact))
	r.Head("/artifacts/*", wrap(h.StreamArtifact))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, errors.CodeNotFound, "route not found", nil)
	})

	return r
}
