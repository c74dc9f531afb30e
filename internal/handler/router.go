package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/fedibridge-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса fedibridge.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)

	r.Get("/.well-known/lnurlp/{name}", h.WellKnown)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Get("/available/{name}", h.CheckAvailable)

		r.Get("/lnurlp/{name}/callback", h.Callback)

		r.Post("/webhook/payment", h.PaymentWebhook)

		r.Post("/auth/challenge", h.IssueChallenge)
		r.Post("/auth/verify", h.VerifyChallenge)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/invoices", h.GetInvoices)
			r.Get("/invoices/{id}", h.GetInvoice)

			r.Get("/channels", h.GetChannels)
			r.Put("/channels", h.UpdateChannels)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
