package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aegisfabric/aegis/internal/bus"
	"github.com/aegisfabric/aegis/internal/event"
	"github.com/aegisfabric/aegis/internal/fault"
)

// handleEventStream serves the live event stream over SSE. Query
// parameters narrow the subscription: ?types=motion,ring
// &sources=cam-1&devices=door-7&capabilities=lineCrossing. Closing the
// request tears down the subscription.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fault.New(fault.KindUpstream, "api.stream", "streaming unsupported by connection"))
		return
	}

	filter := bus.Filter{
		Sources:      splitParam(r, "sources"),
		Devices:      splitParam(r, "devices"),
		Capabilities: splitParam(r, "capabilities"),
	}
	for _, t := range splitParam(r, "types") {
		filter.Types = append(filter.Types, event.Type(t))
	}

	// The sink must never block bus delivery; a slow consumer loses
	// events here in addition to the subscription's own drop policy.
	feed := make(chan *event.Event, 64)
	sub := s.b.Subscribe(filter, bus.DropOldest, func(e *event.Event) {
		select {
		case feed <- e:
		default:
		}
	})
	defer s.b.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("event stream opened", "subscription", sub.ID(), "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("event stream closed", "subscription", sub.ID())
			return
		case e := <-feed:
			body, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, body)
			flusher.Flush()
		}
	}
}

func splitParam(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
