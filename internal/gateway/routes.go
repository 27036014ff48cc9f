package gateway

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/webhook/send", h.HandleWebhookSend)
	r.Post("/webhook/test", h.HandleWebhookTest)

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", h.HandleSend)
		r.Post("/clear-logs", h.HandleClearLogs)
		r.Post("/clear-session", h.HandleClearSession)
		r.Get("/recent", h.HandleRecent)
		r.Get("/status", h.HandleStatus)
	})
}
