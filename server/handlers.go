package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
)

// maxReadLength bounds a single synchronous /read request so a bad
// client can't force an unbounded in-memory buffer or an unbounded
// number of windowed block transfers.
const maxReadLength = 1 << 20

type TargetInfo struct {
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Online    bool   `json:"online"`
	Connected bool   `json:"connected"`
	Status    string `json:"status,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.scanner.GetTargets()
	managed := s.manager.GetTargets()

	result := make([]TargetInfo, 0, len(targets))
	for name, tgt := range targets {
		info := TargetInfo{
			Name:   name,
			IP:     tgt.IP,
			Online: tgt.Online,
		}
		if state, exists := managed[name]; exists {
			info.Connected = state.Connected
			info.LastError = state.LastError
			if dev := s.manager.Device(name); dev != nil {
				info.Status = dev.Status().String()
			}
		}
		result = append(result, info)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	targets := s.scanner.GetTargets()
	tgt, exists := targets[name]
	if !exists {
		http.Error(w, "Target not found", http.StatusNotFound)
		return
	}

	info := TargetInfo{Name: name, IP: tgt.IP, Online: tgt.Online}
	if state := s.manager.GetTarget(name); state != nil {
		info.Connected = state.Connected
		info.LastError = state.LastError
	}
	if dev := s.manager.Device(name); dev != nil {
		info.Status = dev.Status().String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	dev := s.manager.Device(name)
	if dev == nil {
		http.Error(w, "Target not connected", http.StatusNotFound)
		return
	}

	totalSize, eraseGranule := dev.GetInfo()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":           name,
		"status":         dev.Status().String(),
		"totalSize":      totalSize,
		"eraseGranule":   eraseGranule,
	})
}

// handleRead serves a bounded synchronous flash read: GET
// /api/targets/{name}/read?offset=&length=, base64-encoded in the JSON
// response. Errors from hiomap.Device.Read are mapped to HTTP status
// per spec §7 via flashErrorStatus.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	dev := s.manager.Device(name)
	if dev == nil {
		http.Error(w, "Target not connected", http.StatusNotFound)
		return
	}

	offset, err := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	length, err := strconv.ParseUint(r.URL.Query().Get("length"), 10, 64)
	if err != nil {
		http.Error(w, "invalid length", http.StatusBadRequest)
		return
	}
	if length > maxReadLength {
		http.Error(w, fmt.Sprintf("length exceeds maximum of %d bytes per request", maxReadLength), http.StatusBadRequest)
		return
	}

	buf := make([]byte, length)
	if err := dev.Read(r.Context(), offset, buf); err != nil {
		http.Error(w, err.Error(), flashErrorStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"offset": offset,
		"length": length,
		"data":   base64.StdEncoding.EncodeToString(buf),
	})
}

// eraseRequest is the POST /api/targets/{name}/erase body.
type eraseRequest struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// handleErase serves POST /api/targets/{name}/erase. Alignment
// validation happens inside hiomap.Device.Erase; a misaligned range
// surfaces here as 400 via flashErrorStatus.
func (s *Server) handleErase(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	dev := s.manager.Device(name)
	if dev == nil {
		http.Error(w, "Target not connected", http.StatusNotFound)
		return
	}

	var req eraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := dev.Erase(r.Context(), req.Offset, req.Length); err != nil {
		http.Error(w, err.Error(), flashErrorStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListTraceLogs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	names, err := s.logWriter.ListLogs(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(names)
}

func (s *Server) handleGetTraceLog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	filename := vars["filename"]

	path := s.logWriter.GetLogPath(name, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Trace log not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleMacLookup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mac := vars["mac"]

	normalized := normalizeMac(mac)

	targetName, found := s.macLookup[normalized]
	if !found {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"MAC address not found"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"mac":    mac,
		"target": targetName,
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	analytics := s.manager.GetAnalytics(name)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(analytics)
}

func (s *Server) handleAllAnalytics(w http.ResponseWriter, r *http.Request) {
	analytics := s.manager.GetAllAnalytics()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(analytics)
}

// HTML fragment handlers for htmx

func (s *Server) handleAnalyticsHTML(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	data := s.manager.GetAnalytics(name)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	statusClass, statusText := "text-muted", "Unknown"
	if dev := s.manager.Device(name); dev != nil {
		switch dev.Status().String() {
		case "ready":
			statusClass, statusText = "text-success", "Ready"
		case "needs-reinit":
			statusClass, statusText = "text-warning", "Reinitialising"
		case "dead":
			statusClass, statusText = "text-danger", "Dead"
		}
	}

	errorsHTML := `<p class="text-muted mb-0">No recent errors</p>`
	if len(data.RecentErrors) > 0 {
		errorsHTML = `<ul class="mb-0 small">`
		for _, e := range data.RecentErrors {
			errorsHTML += fmt.Sprintf(`<li>%s</li>`, html.EscapeString(e))
		}
		errorsHTML += `</ul>`
	}

	fmt.Fprintf(w, `<div class="row">
<div class="col-md-4 mb-3">
<div class="card"><div class="card-header">Current Status</div>
<div class="card-body">
<p class="mb-1"><strong>Status:</strong> <span class="%s">%s</span></p>
<p class="mb-1"><strong>Last activity:</strong> %s</p>
<p class="mb-0"><strong>Errors:</strong> %d</p>
</div></div></div>
<div class="col-md-4 mb-3">
<div class="card"><div class="card-header">Throughput</div>
<div class="card-body">
<p class="mb-1"><strong>Bytes read:</strong> %d</p>
<p class="mb-1"><strong>Bytes written:</strong> %d</p>
<p class="mb-1"><strong>Read windows:</strong> %d</p>
<p class="mb-1"><strong>Write windows:</strong> %d</p>
<p class="mb-1"><strong>Flushes:</strong> %d</p>
<p class="mb-0"><strong>Erases:</strong> %d</p>
</div></div></div>
<div class="col-md-4 mb-3">
<div class="card"><div class="card-header">Recent Errors</div>
<div class="card-body">%s</div></div></div>
</div>
<div class="card mt-3"><div class="card-header">BMC Events</div>
<div class="card-body">
<p class="mb-1"><strong>Protocol resets:</strong> %d</p>
<p class="mb-1"><strong>Window resets:</strong> %d</p>
<p class="mb-0"><strong>Flash lost events:</strong> %d</p>
</div></div>`,
		statusClass, statusText, data.LastActivity.Local().Format("Jan 2 15:04:05"), data.ErrorCount,
		data.BytesRead, data.BytesWritten, data.ReadWindows, data.WriteWindows, data.Flushes, data.Erases,
		errorsHTML,
		data.ProtocolResets, data.WindowResets, data.FlashLostEvents)
}

func (s *Server) handleTraceLogListHTML(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	names, err := s.logWriter.ListLogs(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if len(names) == 0 {
		fmt.Fprint(w, `<div class="list-group-item text-muted small">No trace logs</div>`)
		return
	}

	for i, n := range names {
		activeClass := ""
		if i == 0 {
			activeClass = " active"
		}
		fmt.Fprintf(w, `<a href="/api/targets/%s/trace-logs/%s" class="list-group-item list-group-item-action small%s">%s</a>`,
			name, n, activeClass, html.EscapeString(n))
	}
}
