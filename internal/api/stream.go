package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"
)

// HandleStream serves session events as SSE. Clients reconnecting with
// Last-Event-ID (header or lastEventId query) first receive the events they
// missed that are still queued.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.opts.ClientRetry.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err)
		return
	}
	flusher.Flush()

	conn, missed := h.events.subscribe(lastEventID)
	defer h.events.unsubscribe(conn)

	h.logger.Info("SSE connection established",
		"conn_id", conn.id,
		"last_event_id", lastEventID,
		"replayed", len(missed),
	)

	for _, ev := range missed {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	connected := fmt.Sprintf(`{"status":"connected","ready":%t,"email":%q}`, h.ctrl.IsReady(), h.ctrl.Profile().Email)
	if err := writeSSE(w, "connected", connected); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE connection closed", "conn_id", conn.id)
			return
		case <-conn.done:
			h.logger.Info("SSE connection evicted", "conn_id", conn.id)
			return
		case ev := <-conn.ch:
			if err := writeEvent(w, ev); err != nil {
				h.logger.Warn("failed to write SSE event", "error", err, "conn_id", conn.id)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "conn_id", conn.id)
				return
			}
			flusher.Flush()
		}
	}
}

type chunkData struct {
	Producer string `json:"producer"`
	Text     string `json:"text"`
}

// HandleProducerStream serves one producer's reply for the current turn as
// SSE "chunk" events, each carrying only the newly rendered text. An "end"
// event follows when the turn is reset.
func (h *Handler) HandleProducerStream(w http.ResponseWriter, r *http.Request) {
	producer := producerParam(r)
	if !slices.Contains(h.ctrl.Producers(), producer) {
		Error(w, http.StatusNotFound, "unknown producer")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range h.ctrl.Stream(r.Context(), producer) {
		data, err := json.Marshal(chunkData{Producer: string(producer), Text: chunk})
		if err != nil {
			h.logger.Error("failed to encode stream chunk", "error", err)
			return
		}
		if err := writeSSE(w, "chunk", string(data)); err != nil {
			h.logger.Debug("producer stream closed", "producer", producer, "error", err)
			return
		}
		flusher.Flush()
	}
	if r.Context().Err() != nil {
		return
	}
	if err := writeSSE(w, "end", fmt.Sprintf(`{"producer":%q}`, producer)); err != nil {
		return
	}
	flusher.Flush()
}

func writeEvent(w io.Writer, ev Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
