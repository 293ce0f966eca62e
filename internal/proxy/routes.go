package proxy

import (
	"github.com/go-chi/chi/v5"
)

// Routes mounts the generation and management API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/generate", func(r chi.Router) {
		r.Post("/", h.HandleGenerate)
		r.Post("/stream", h.HandleStream)
		r.Get("/ws", h.HandleWebSocket)
		r.Post("/batch", h.HandleBatch)
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", h.HandleCacheStats)
		r.Delete("/", h.HandleCacheClear)
		r.Post("/invalidate", h.HandleCacheInvalidate)
	})

	r.Get("/ratelimit", h.HandleRateLimit)

	r.Route("/usage", func(r chi.Router) {
		r.Get("/", h.HandleUsage)
		r.Get("/recent", h.HandleUsageRecent)
		r.Get("/export", h.HandleUsageExport)
		r.Get("/history", h.HandleUsageHistory)
		r.Post("/reset", h.HandleUsageReset)
	})
}
