/**
 * @description
 * This file sets up the HTTP router for the clearing service. It exposes the health check,
 * the operator endpoints for the participant (internal API key), and the account validation
 * endpoint the clearinghouse calls with the shared bank token.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the back-office UI.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the clearing-service routes.
func NewRouter(h *Handler, internalKey, clearingToken string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-API-Key", "X-API-TOKEN"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/clearing", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/status", h.handleStatus)
		r.Post("/movements", h.handleRegisterMovement)
		r.Get("/movements/{id}", h.handleGetMovement)
	})

	r.Route("/api/v1/bank", func(r chi.Router) {
		r.Use(BankTokenMiddleware(clearingToken))
		r.Post("/validate-account", h.handleValidateAccount)
	})

	return r
}
