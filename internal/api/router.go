/**
 * @description
 * This file sets up the HTTP router for the crowdfunding-service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * authentication and CORS.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	Auth           AuthConfig
	InternalAPIKey string
	AllowedOrigins []string
}

// CampaignRoutes creates and returns a new router for the crowdfunding service.
func CampaignRoutes(h *CampaignHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/internal/balances", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/{address}/deposits", h.DepositHandler)
		r.Get("/{address}", h.GetBalanceHandler)
	})

	r.Route("/campaigns", func(r chi.Router) {
		// Reads are public.
		r.Get("/by-key/{admin}/{name}", h.GetCampaignByKeyHandler)
		r.Get("/{campaign_id}", h.GetCampaignHandler)
		r.Get("/{campaign_id}/contributions", h.ListContributionsHandler)
		r.Get("/{campaign_id}/activity", h.ListActivityHandler)

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(cfg.Auth))
			r.Post("/", h.CreateCampaignHandler)
			r.Post("/{campaign_id}/donations", h.DonateHandler)
			r.Post("/{campaign_id}/withdrawals", h.WithdrawHandler)
			r.Post("/{campaign_id}/refunds", h.RefundHandler)
			r.Get("/{campaign_id}/contributions/me", h.GetMyContributionHandler)
		})
	})

	return r
}
