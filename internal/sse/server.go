package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// UserIDFromRequest resolves the authenticated user for r. The core
// treats session/auth middleware as an external collaborator (spec.md
// §1); cmd/server supplies this func from whatever auth layer it wires
// up. It must be non-nil: ServeHTTP calls it on every request and
// NewHandler supplies no default.
type UserIDFromRequest func(r *http.Request) (int64, error)

// Handler serves GET /api/events/stream?strategy_id=<N> as
// text/event-stream, per spec.md §6.
type Handler struct {
	hub      *Hub
	resolveUser UserIDFromRequest
}

func NewHandler(hub *Hub, resolveUser UserIDFromRequest) *Handler {
	return &Handler{hub: hub, resolveUser: resolveUser}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	strategyID, err := strconv.ParseInt(r.URL.Query().Get("strategy_id"), 10, 64)
	if err != nil || strategyID <= 0 {
		http.Error(w, `{"success":false,"error":"strategy_id is required"}`, http.StatusBadRequest)
		return
	}

	userID, err := h.resolveUser(r)
	if err != nil {
		http.Error(w, `{"success":false,"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	client, err := h.hub.Subscribe(r.Context(), userID, strategyID)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()), http.StatusForbidden)
		return
	}
	defer h.hub.Unsubscribe(client)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"success":false,"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.hub.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.closed:
			return
		case ev := <-client.queue:
			if writeEvent(w, ev) != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if writeEvent(w, event{Type: EventHeartbeat, Data: map[string]interface{}{"timestamp": time.Now()}}) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
