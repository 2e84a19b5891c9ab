package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/registry"
)

// StreamMessage is a single server-sent event of the log stream
type StreamMessage struct {
	Type enums.StreamEvent   `json:"type"`
	Logs []registry.LogEntry `json:"logs,omitzero"` // nil for heartbeat, empty after reset
}

// handleLogStream streams log changes as server-sent events. The first event is a snapshot of all logs,
// followed by append and update events with a single entry each. Reset is sent as an empty snapshot.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	snapshot, events, unsubscribe := s.registry.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if snapshot == nil {
		snapshot = []registry.LogEntry{}
	}
	if err := writeEvent(w, StreamMessage{Type: enums.StreamEventSnapshot, Logs: snapshot}); err != nil {
		log.Printf("[DEBUG] log stream closed: %v", err)
		return
	}
	flusher.Flush()
	log.Printf("[DEBUG] log stream opened for %s", r.RemoteAddr)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		var msg StreamMessage
		select {
		case <-r.Context().Done():
			log.Printf("[DEBUG] log stream closed for %s", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg = StreamMessage{Type: ev.Type, Logs: []registry.LogEntry{ev.Entry}}
			if ev.Type == enums.StreamEventSnapshot {
				msg.Logs = []registry.LogEntry{}
			}
		case <-heartbeat.C:
			msg = StreamMessage{Type: enums.StreamEventHeartbeat}
		}
		if err := writeEvent(w, msg); err != nil {
			log.Printf("[DEBUG] log stream write failed for %s: %v", r.RemoteAddr, err)
			return
		}
		flusher.Flush()
	}
}

// writeEvent writes msg as a single "data:" line followed by a blank line
func writeEvent(w http.ResponseWriter, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("can't marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("can't write stream event: %w", err)
	}
	return nil
}
