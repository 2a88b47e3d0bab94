package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Compress)
	r.Use(m.Timeout(15 * time.Second))
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// Staking operations
		r.Post("/stake", h.Stake)
		r.Post("/unstake", h.RequestUnstake)
		r.Post("/withdraw", h.WithdrawUnbond)
		r.Post("/fast-withdraw", h.FastWithdraw)
		r.Post("/claim", h.Claim)
		r.Post("/compound", h.Compound)

		// Pool state
		r.Get("/pool", h.GetPool)
		r.Get("/pool/apr", h.GetPoolAPR)

		// Accounts
		r.Get("/accounts/{address}", h.GetAccount)
		r.Get("/accounts/{address}/unbonds", h.GetUnbonds)

		// Event history
		r.Get("/events", h.ListEvents)

		// Live updates
		r.Get("/stream", h.HandleSSE)
		r.Get("/ws", h.HandleWebSocket)

		// Administration
		r.Route("/admin", func(r chi.Router) {
			r.Use(m.AdminAuth(h.config.Security.AdminToken))
			r.Post("/reward", h.NotifyReward)
			r.Post("/emission", h.SetEmission)
			r.Post("/halt", h.SetHalted)
			r.Post("/sweep", h.EmergencySweep)
		})
	})

	return r
}
