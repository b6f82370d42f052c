package handlers

import "github.com/go-chi/chi/v5"

func RegisterTimelineRoutes(r chi.Router, h *TimelineHandler) {
	r.Route("/api/sessions/{session_id}", func(r chi.Router) {
		r.Get("/events", h.PollEvents)
		r.Get("/stream", h.StreamEvents)
	})
}
