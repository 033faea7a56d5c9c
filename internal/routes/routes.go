package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/veridian-labs/stepfactor/internal/handlers"
	"github.com/veridian-labs/stepfactor/pkg/httpx"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	settingsHandler *handlers.SettingsHandler,
	healthHandler *handlers.HealthHandler,
) {
	// Throttled responses stay JSON like every other error
	limited := httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteTooManyRequests(w, "Too many requests")
	})

	// Tight limit on code submission endpoints; codes are short and
	// brute-forceable
	verifyLimit := httprate.Limit(10, 1*time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP), limited)
	challengeLimit := httprate.Limit(30, 1*time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP), limited)

	router.Get("/healthz", healthHandler.Health)

	router.With(challengeLimit).Post("/auth/challenge", authHandler.Challenge)
	router.With(verifyLimit).Post("/auth/verify", authHandler.VerifyLogin)
	router.Post("/auth/abandon", authHandler.Abandon)
	router.Post("/session", authHandler.StartSession)

	router.Route("/settings", func(r chi.Router) {
		r.Get("/factors", settingsHandler.ListFactors)
		r.Post("/factors/enroll", settingsHandler.Enroll)
		r.Post("/factors/save", settingsHandler.SaveFactor)
		r.Delete("/factors/{id}", settingsHandler.DeleteFactor)
		r.With(verifyLimit).Post("/verify", settingsHandler.VerifyCode)
	})
}
