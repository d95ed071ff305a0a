package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentfusion/internal/events"
)

// handleSSE streams a topic's events as server-sent-event frames.
// The frame id is the bus sequence number; a reconnecting client sends
// Last-Event-ID and missed events are replayed from the audit log.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	topic := events.Topic(mux.Vars(r)["topic"])
	if !events.ValidTopic(topic) {
		http.Error(w, fmt.Sprintf("unknown topic: %s", topic), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay anything the client missed since its last seen sequence.
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if seq, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			missed, err := s.store.ListEvents(seq, "", 500)
			if err != nil {
				log.Printf("[TRANSPORT] SSE replay failed: %v", err)
			}
			for _, ev := range missed {
				if topic != events.TopicAll && ev.Topic != topic {
					continue
				}
				writeSSEFrame(w, ev)
			}
			flusher.Flush()
		}
	}

	// The bus subscription is the per-connection bounded queue: a slow
	// client drops its oldest frames without stalling publishers.
	queueSize := s.cfg.SSEQueueSize
	if queueSize <= 0 {
		queueSize = DefaultConfig().SSEQueueSize
	}
	frames := make(chan events.Event, queueSize)
	sub := s.bus.Subscribe(topic, func(ev events.Event) {
		for {
			select {
			case frames <- ev:
				return
			default:
			}
			select {
			case <-frames: // overflow: drop the oldest queued frame
			default:
			}
		}
	})
	defer s.bus.Unsubscribe(sub)

	keepAlive := s.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultConfig().KeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-frames:
			writeSSEFrame(w, &ev)
			flusher.Flush()
		case <-ticker.C:
			// Comment frame keeps intermediaries from timing us out.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEFrame renders one event: frame
func writeSSEFrame(w http.ResponseWriter, ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}
