package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ostrane/tracedeck/monitor"
)

// heartbeatEnvelope is the keepalive sentinel. Monitor channels reset
// their staleness clock on it and discard it without delivering.
var heartbeatEnvelope = []byte(`{"type":"` + monitor.HeartbeatType + `"}`)

// writeSSE frames one payload as a data-only server-sent event.
func writeSSE(w io.Writer, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// handleTraceEvents streams a trace's updates as server-sent events. The
// connection holds its own follower session, so an open stream alone
// keeps the upstream monitor alive; heartbeats flow on the configured
// interval whether or not the trace moves.
func (s *DashServer) handleTraceEvents(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID, err := s.Follow(traceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	defer func() {
		if err := s.Unfollow(traceID, sessionID); err != nil {
			s.log.Warnw("Failed to release event stream session",
				"trace_id", traceID, "error", err)
		}
	}()

	ch := make(chan []byte, sseBufferSize)
	s.addSSEListener(traceID, ch)
	defer s.removeSSEListener(traceID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Infow("Event stream opened",
		"trace_id", traceID, "session_id", sessionID)

	// The subscriber gets the current state up front; later frames only
	// flow on change.
	if t, lerr := s.loadTrace(r.Context(), traceID, false); lerr == nil {
		if env, _, berr := buildTraceUpdate(t); berr == nil {
			writeSSE(w, env)
			flusher.Flush()
		}
	}

	interval := s.cfg.Monitor.HeartbeatInterval()
	if interval <= 0 {
		interval = monitor.DefaultHeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Infow("Event stream closed",
				"trace_id", traceID, "session_id", sessionID)
			return
		case <-s.ctx.Done():
			return
		case env := <-ch:
			writeSSE(w, env)
			flusher.Flush()
		case <-heartbeat.C:
			writeSSE(w, heartbeatEnvelope)
			flusher.Flush()
		}
	}
}
