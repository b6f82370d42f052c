package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"event_delivery/internal/broker"
	"event_delivery/internal/models"

	"github.com/go-chi/chi/v5"
)

// TimelineSource is the durable cursor read backing the poll endpoint.
type TimelineSource interface {
	EventsSince(ctx context.Context, sessionID string, cursor int64, limit int) ([]models.TimelineEvent, int64, error)
}

// StreamSource is the broker read backing the push endpoint.
type StreamSource interface {
	ReadRange(ctx context.Context, stream, afterID string, count int64) ([]broker.Entry, error)
}

type TimelineHandler struct {
	timeline     TimelineSource
	stream       StreamSource
	streamPrefix string

	// push tail tuning; fixed, not client-controlled
	tailInterval time.Duration
	tailBatch    int64
}

func NewTimelineHandler(timeline TimelineSource, stream StreamSource, streamPrefix string) *TimelineHandler {
	if streamPrefix == "" {
		streamPrefix = "session:"
	}
	return &TimelineHandler{
		timeline:     timeline,
		stream:       stream,
		streamPrefix: streamPrefix,
		tailInterval: 500 * time.Millisecond,
		tailBatch:    100,
	}
}

// GET /api/sessions/{session_id}/events?cursor=&limit=
// 200: { "events": [...], "next_cursor": 42 }
// 400: invalid params
// 500: internal error
func (h *TimelineHandler) PollEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	cursor, ok := parseCursor(w, r)
	if !ok {
		return
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		n, err := strconv.Atoi(limitRaw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	events, next, err := h.timeline.EventsSince(r.Context(), sessionID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"next_cursor": next,
	})
}

// GET /api/sessions/{session_id}/stream?cursor=
// SSE: replays entries after the cursor, then tails the session stream.
func (h *TimelineHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	cursor, ok := parseCursor(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamKey := h.streamPrefix + sessionID
	lastID := ""

	ticker := time.NewTicker(h.tailInterval)
	defer ticker.Stop()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		entries, err := h.stream.ReadRange(r.Context(), streamKey, lastID, h.tailBatch)
		if err != nil {
			// Client falls back to polling; just end the stream.
			return
		}

		for _, e := range entries {
			lastID = e.ID
			if e.Seq <= cursor {
				continue
			}
			cursor = e.Seq
			if err := writeSSEEvent(w, e); err != nil {
				return
			}
		}
		if len(entries) > 0 {
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e broker.Entry) error {
	ev := models.TimelineEvent{
		Seq:       e.Seq,
		EventID:   e.EventID,
		SessionID: e.SessionID,
		Channel:   models.DefaultChannel,
		Payload:   e.Payload,
		CreatedAt: entryTime(e.ID),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte("id: " + strconv.FormatInt(e.Seq, 10) + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// entryTime recovers the append time from the broker entry id (ms-seq).
func entryTime(id string) time.Time {
	dash := strings.IndexByte(id, '-')
	if dash <= 0 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseCursor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
