package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"hiomapd/hiomap"
)

type traceEventJSON struct {
	Command  string `json:"command"`
	Seq      uint8  `json:"seq"`
	Dir      string `json:"dir,omitempty"`
	Bytes    int    `json:"bytes"`
	Outcome  string `json:"outcome"`
	Duration string `json:"duration"`
}

func encodeTraceEvent(ev hiomap.TraceEvent) ([]byte, error) {
	out := traceEventJSON{
		Command:  fmt.Sprintf("0x%02x", uint8(ev.Command)),
		Seq:      ev.Seq,
		Bytes:    ev.Bytes,
		Outcome:  ev.Outcome,
		Duration: ev.Duration.String(),
	}
	if ev.HasDir {
		if ev.Dir == hiomap.DirWrite {
			out.Dir = "write"
		} else {
			out.Dir = "read"
		}
	}
	return json.Marshal(out)
}

func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	targets := s.scanner.GetTargets()
	if _, ok := targets[name]; !ok {
		http.Error(w, "Target not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", name)
	flusher.Flush()

	// Catchup: replay the buffered recent trace events before following
	// the live stream, so a client that subscribes mid-session sees
	// what led up to now.
	for _, ev := range s.manager.TraceCatchup(name) {
		if data, err := encodeTraceEvent(ev); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}
	flusher.Flush()

	ch := s.manager.Subscribe(name)
	defer s.manager.Unsubscribe(name, ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := encodeTraceEvent(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
