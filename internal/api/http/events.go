package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// Events handles GET /api/events?deviceId=. It streams bus events as
// server-sent events until the client goes away or the server shuts down.
// deviceId is a comma-separated list of device id prefixes.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event stream disabled", "", requestID)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	var filters []string
	if v := strings.TrimSpace(r.URL.Query().Get("deviceId")); v != "" {
		filters = strings.Split(v, ",")
	}
	sub := h.events.Subscribe(filters...)
	defer h.events.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream not flushable", zap.String("request_id", requestID), zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.Ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
