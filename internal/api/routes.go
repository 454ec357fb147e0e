package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Post("/sessions", h.StartSession)
			r.Delete("/sessions/{sessionID}", h.EndSession)
			r.Post("/sessions/{sessionID}/sync", h.TriggerSync)
			r.Post("/sessions/{sessionID}/settings-changed", h.SettingsChanged)
			r.Post("/sessions/{sessionID}/force-pull", h.ForcePull)

			r.Get("/status", h.Status)
			r.Get("/events", h.ListEvents)

			r.Get("/conflicts", h.ListConflicts)
			r.Post("/conflicts/{conflictID}/resolve", h.ResolveConflict)
			r.Post("/conflicts/{conflictID}/resolve-manual", h.ResolveConflictManually)

			r.Get("/devices", h.ListDevices)
			r.Post("/devices/{deviceID}/verify", h.VerifyDevice)
			r.Post("/devices/{deviceID}/revoke", h.RevokeDevice)
			r.Post("/devices/{deviceID}/token", h.DeviceToken)

			r.Post("/credentials/{class}", h.SyncCredentials)
		})
	})

	return r
}
