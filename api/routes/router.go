package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/genforge-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/genforge-backend/api/controllers/webhooks"
	"github.com/angelmondragon/genforge-backend/api/middleware"
	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/redis"
)

// NewRouter mounts the public API. redisClient may be nil, which disables
// idempotent replays and submission rate limiting.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient *redis.Client,
	generationService controllers.GenerationService,
	callbackService webhookcontrollers.CallbackService,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	readiness := map[string]controllers.Pinger{"db": dbP}
	if redisClient != nil {
		readiness["redis"] = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing(cfg))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/providers/{provider}", webhookcontrollers.ProviderCallback(callbackService, logg))
	})

	r.Route("/api/v1/generations", func(r chi.Router) {
		submit := r.With()
		if redisClient != nil {
			policy := middleware.NewRateLimitPolicy("submit", cfg.RateLimit.SubmitWindow, cfg.RateLimit.SubmitLimit)
			submit = r.With(
				middleware.RateLimit(policy, redisClient, logg),
				middleware.Idempotency(redisClient, cfg.RateLimit.IdempotencyTTL, logg),
			)
		}
		submit.Post("/", controllers.CreateGeneration(generationService, logg))
		r.Get("/", controllers.ListGenerations(generationService, logg))
		r.Get("/{generationId}", controllers.GetGeneration(generationService, logg))
	})

	return r
}
