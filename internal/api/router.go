package api

import (
	"net/http"

	"catchment_api/internal/api/handler"
	"catchment_api/internal/app/notify"
	"catchment_api/internal/app/service"
	"catchment_api/internal/common/security"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
)

func NewRouter(
	catchmentService *service.CatchmentService,
	bus *notify.Bus,
) http.Handler {
	r := chi.NewRouter()

	// Base Middlewares
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger) // Chi's logger
	r.Use(chiMiddleware.Recoverer)

	// JWT Auth Middleware Setup: searches "Authorization: Bearer T" and puts
	// claims in context. Tokens are minted by the account service.
	r.Use(jwtauth.Verifier(security.TokenAuth))

	// Public health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// API v1 Routes
	r.Route("/api/v1", func(v1 chi.Router) {
		catchmentHandler := handler.NewCatchmentHandler(catchmentService, bus)
		// No blanket request timeout: the events route holds its connection
		// open for the life of the job.
		v1.Route("/catchment", catchmentHandler.RegisterRoutes)
	})

	return r
}
