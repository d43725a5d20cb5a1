package hiomap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TargetAnalytics accumulates counters for one target derived from its
// TraceEvent stream: cumulative throughput, window churn, and the last
// few errors observed, for the /api/targets/{name}/analytics endpoint.
type TargetAnalytics struct {
	Target            string    `json:"target"`
	BytesRead         uint64    `json:"bytesRead"`
	BytesWritten      uint64    `json:"bytesWritten"`
	ReadWindows       uint64    `json:"readWindows"`
	WriteWindows      uint64    `json:"writeWindows"`
	Flushes           uint64    `json:"flushes"`
	Erases            uint64    `json:"erases"`
	ErrorCount        uint64    `json:"errorCount"`
	ProtocolResets    uint64    `json:"protocolResets"`
	WindowResets      uint64    `json:"windowResets"`
	FlashLostEvents   uint64    `json:"flashLostEvents"`
	LastOutcome       string    `json:"lastOutcome,omitempty"`
	LastActivity      time.Time `json:"lastActivity"`
	RecentErrors      []string  `json:"recentErrors,omitempty"`
}

const maxRecentErrors = 10

// Analytics tracks TargetAnalytics for every target seen, persisting to
// a JSON file on every significant change so a restart doesn't lose
// cumulative counters.
type Analytics struct {
	mu       sync.RWMutex
	targets  map[string]*TargetAnalytics
	dataPath string
}

func NewAnalytics(dataPath string) *Analytics {
	a := &Analytics{
		targets:  make(map[string]*TargetAnalytics),
		dataPath: dataPath,
	}
	a.load()
	return a
}

// Record folds one TraceEvent into the target's running counters. Safe
// to call from a Tracer.Trace implementation.
func (a *Analytics) Record(ev TraceEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.targets[ev.Target]
	if !ok {
		t = &TargetAnalytics{Target: ev.Target}
		a.targets[ev.Target] = t
	}

	t.LastActivity = ev.Time
	t.LastOutcome = ev.Outcome
	if ev.Outcome != "ok" {
		t.ErrorCount++
		t.RecentErrors = append(t.RecentErrors, ev.Outcome)
		if len(t.RecentErrors) > maxRecentErrors {
			t.RecentErrors = t.RecentErrors[len(t.RecentErrors)-maxRecentErrors:]
		}
	}

	switch ev.Command {
	case CmdCreateReadWindow:
		t.ReadWindows++
	case CmdCreateWriteWindow:
		t.WriteWindows++
	case CmdFlush:
		t.Flushes++
	case CmdErase:
		t.Erases++
	}
	if ev.HasDir {
		switch ev.Dir {
		case DirRead:
			t.BytesRead += uint64(ev.Bytes)
		case DirWrite:
			t.BytesWritten += uint64(ev.Bytes)
		}
	}

	a.save()
}

// RecordBMCEvent tallies a latched status bit observed on the wire,
// independent of the command trace (protocol reset, window reset, flash
// lost are all visible only as event bits, not as command outcomes).
func (a *Analytics) RecordBMCEvent(target string, bits uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.targets[target]
	if !ok {
		t = &TargetAnalytics{Target: target}
		a.targets[target] = t
	}
	if bits&uint8(EventProtocolReset) != 0 {
		t.ProtocolResets++
	}
	if bits&uint8(EventWindowReset) != 0 {
		t.WindowResets++
	}
	if bits&uint8(EventFlashLost) != 0 {
		t.FlashLostEvents++
	}
	a.save()
}

func (a *Analytics) Get(target string) *TargetAnalytics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if t, ok := a.targets[target]; ok {
		cp := *t
		cp.RecentErrors = append([]string(nil), t.RecentErrors...)
		return &cp
	}
	return &TargetAnalytics{Target: target}
}

func (a *Analytics) GetAll() map[string]*TargetAnalytics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*TargetAnalytics, len(a.targets))
	for name, t := range a.targets {
		cp := *t
		cp.RecentErrors = append([]string(nil), t.RecentErrors...)
		out[name] = &cp
	}
	return out
}

func (a *Analytics) getFilePath() string {
	return filepath.Join(a.dataPath, "hiomap-analytics.json")
}

func (a *Analytics) save() {
	if a.dataPath == "" {
		return
	}
	data := struct {
		Targets map[string]*TargetAnalytics `json:"targets"`
	}{Targets: a.targets}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.Errorf("hiomap: failed to marshal analytics: %v", err)
		return
	}
	if err := os.MkdirAll(a.dataPath, 0755); err != nil {
		log.Errorf("hiomap: failed to create analytics directory: %v", err)
		return
	}
	if err := os.WriteFile(a.getFilePath(), jsonData, 0644); err != nil {
		log.Errorf("hiomap: failed to save analytics: %v", err)
	}
}

func (a *Analytics) load() {
	if a.dataPath == "" {
		return
	}
	jsonData, err := os.ReadFile(a.getFilePath())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("hiomap: failed to read analytics: %v", err)
		}
		return
	}
	var data struct {
		Targets map[string]*TargetAnalytics `json:"targets"`
	}
	if err := json.Unmarshal(jsonData, &data); err != nil {
		log.Errorf("hiomap: failed to unmarshal analytics: %v", err)
		return
	}
	if data.Targets != nil {
		a.targets = data.Targets
		log.Infof("hiomap: loaded analytics for %d targets", len(a.targets))
	}
}
