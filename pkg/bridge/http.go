package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type commandRequest struct {
	Command Command `json:"command"`
}

type commandResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CommandHandler returns the HTTP handler for the command endpoint.
// It accepts POST bodies of the form {"command": "force-refresh"} and
// dispatches them through the hub.
func (h *Hub) CommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, commandResponse{
				Status: "rejected",
				Error:  fmt.Sprintf("invalid request body: %v", err),
			})
			return
		}

		if err := h.Dispatch(r.Context(), req.Command); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrUnknownCommand) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, commandResponse{
				Status: "rejected",
				Error:  err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusAccepted, commandResponse{Status: "accepted"})
	}
}

// EventsHandler returns the HTTP handler for the event stream. Events
// are delivered as server-sent events; the stream stays open until the
// client disconnects.
func (h *Hub) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		events, cancel := h.Subscribe()
		defer cancel()

		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					h.logger.Error().Err(err).Msg("Failed to encode event")
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
