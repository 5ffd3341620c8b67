package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/conreg-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса регистрации.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/api/checkout", h.Checkout)
	r.Post("/api/webhooks/payment", h.Webhook)

	r.Route("/api/orders/{reference}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.terminalAuth.Middleware)

			r.Post("/refund", h.Refund)
			r.Post("/refresh", h.RefreshOrder)
		})
	})

	r.Route("/api/onsite", func(r chi.Router) {
		r.Use(h.terminalAuth.Middleware)

		r.Post("/cash/complete", h.CompleteCash)
		r.Post("/card/complete", h.CompleteCard)
		r.Post("/prompt-payment", h.PromptPayment)
		r.Post("/receipt", h.PrintReceipt)

		r.Get("/terminals", h.ListTerminals)

		r.Get("/drawer", h.DrawerStatus)
		r.Post("/drawer/{action}", h.DrawerAction)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
