package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/agent-runner/internal/events"
)

const sseKeepAlive = 15 * time.Second

// sseStream writes events to one client, dropping duplicates and events for
// other executions.
type sseStream struct {
	w         http.ResponseWriter
	execution string
	lastID    int64
}

// send writes ev unless it was already sent or does not match the filter.
// It reports false once the client is gone.
func (st *sseStream) send(ev events.Event) bool {
	if ev.ID <= st.lastID {
		return true
	}
	st.lastID = ev.ID
	if st.execution != "" && ev.ExecutionID != st.execution {
		return true
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	// The encoded event is single-line JSON, so one data line suffices.
	_, err = fmt.Fprintf(st.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, body)
	return err == nil
}

func (st *sseStream) comment(text string) bool {
	_, err := fmt.Fprintf(st.w, ": %s\n\n", text)
	return err == nil
}

// handleEvents streams lifecycle events as SSE, replaying buffered events after
// Last-Event-ID first. ?execution=<id> restricts the stream to one execution.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "event stream is disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	st := &sseStream{
		w:         w,
		execution: r.URL.Query().Get("execution"),
	}
	since := parseLastEventID(r.Header.Get("Last-Event-ID"))
	st.lastID = since

	// Subscribe before replaying; send drops whatever the replay already covered.
	live, cancel := s.events.Subscribe()
	defer cancel()

	for _, ev := range s.events.SnapshotSince(since) {
		if !st.send(ev) {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok || !st.send(ev) {
				return
			}
		case <-keepAlive.C:
			if !st.comment("keep-alive") {
				return
			}
		}
		flusher.Flush()
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
