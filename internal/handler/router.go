package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/printflow-system/internal/middleware"
	"github.com/mmeshcher/printflow-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса printflow.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Post("/transaction", h.CreateTransaction)

		r.Post("/gateway/notification", h.HandleNotification)
		r.Post("/gateway/status", h.CheckStatus)

		r.Get("/orders", h.GetOrders)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders/retry", h.RetryPayment)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRoles(model.RoleAdmin, model.RoleCourier))

				r.Patch("/orders", h.UpdateOrder)
			})
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
