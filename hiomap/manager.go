package hiomap

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TargetConfig names one BMC to maintain a HIOMAP session against.
// Manager never dials a transport itself — see Connector — so this
// struct only needs to carry what the caller-supplied Connector needs
// to identify the target; fields beyond Name/Host are opaque to Manager.
type TargetConfig struct {
	Name     string
	Host     string
	Username string
	Password string
}

// Connector dials the transport and window device for cfg and returns a
// Device that has not been initialised yet; runSession attaches the
// tracer and calls Init on it. It is
// supplied by the caller (main.go) rather than imported here, so this
// package never depends on ipmitransport or lpcio and stays testable
// against fakes.
type Connector func(ctx context.Context, cfg TargetConfig) (*Device, error)

// TargetState is the externally-visible status of one managed target.
type TargetState struct {
	Name         string
	Host         string
	Connected    bool
	LastError    string
	LastActivity time.Time
	cancel       context.CancelFunc
	device       *Device
}

// Manager maintains one HIOMAP session per configured target: dial,
// Init, serve Read/Write/Erase calls, reconnect with backoff on
// failure, and fan out every TraceEvent to subscribers, analytics, and
// a churn detector.
type Manager struct {
	connect   Connector
	mu        sync.RWMutex
	targets   map[string]*TargetState
	analytics *Analytics

	subMu       sync.RWMutex
	subscribers map[string][]chan TraceEvent
	traceBufs   map[string]*TraceBuffer
	churns      map[string]*ChurnDetector

	traceLog TraceLogWriter
}

// TraceLogWriter persists a one-line-per-event trace record, the way a
// LogWriter persists console lines in the teacher's model.
type TraceLogWriter interface {
	WriteTrace(target string, ev TraceEvent) error
}

func NewManager(connect Connector, dataPath string, traceLog TraceLogWriter) *Manager {
	m := &Manager{
		connect:     connect,
		targets:     make(map[string]*TargetState),
		analytics:   NewAnalytics(dataPath),
		subscribers: make(map[string][]chan TraceEvent),
		traceBufs:   make(map[string]*TraceBuffer),
		churns:      make(map[string]*ChurnDetector),
		traceLog:    traceLog,
	}
	go m.healthCheck()
	return m
}

func (m *Manager) GetAnalytics(target string) *TargetAnalytics {
	return m.analytics.Get(target)
}

func (m *Manager) GetAllAnalytics() map[string]*TargetAnalytics {
	return m.analytics.GetAll()
}

// StartTarget dials and maintains a session for cfg, replacing any
// existing session for the same name.
func (m *Manager) StartTarget(cfg TargetConfig) {
	m.mu.Lock()
	if existing, ok := m.targets[cfg.Name]; ok {
		if existing.cancel != nil {
			existing.cancel()
		}
		if existing.device != nil {
			existing.device.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &TargetState{Name: cfg.Name, Host: cfg.Host, cancel: cancel}
	m.targets[cfg.Name] = state
	m.mu.Unlock()

	m.getOrCreateTraceBuf(cfg.Name)
	m.getOrCreateChurn(cfg.Name)

	go m.runTarget(ctx, cfg, state)
}

func (m *Manager) StopTarget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.targets[name]; ok {
		if state.cancel != nil {
			state.cancel()
		}
		if state.device != nil {
			state.device.Close()
		}
		delete(m.targets, name)
	}
}

func (m *Manager) GetTarget(name string) *TargetState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets[name]
}

func (m *Manager) GetTargets() map[string]*TargetState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*TargetState, len(m.targets))
	for k, v := range m.targets {
		out[k] = v
	}
	return out
}

// Device returns the live Device for name, or nil if not connected.
func (m *Manager) Device(name string) *Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.targets[name]; ok && state.Connected {
		return state.device
	}
	return nil
}

func (m *Manager) Subscribe(target string) chan TraceEvent {
	ch := make(chan TraceEvent, 64)
	m.subMu.Lock()
	m.subscribers[target] = append(m.subscribers[target], ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(target string, ch chan TraceEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	subs := m.subscribers[target]
	for i, s := range subs {
		if s == ch {
			m.subscribers[target] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// TraceCatchup returns the buffered recent TraceEvents for target, for
// a new SSE subscriber to replay before following the live stream.
func (m *Manager) TraceCatchup(target string) []TraceEvent {
	return m.getOrCreateTraceBuf(target).Snapshot()
}

func (m *Manager) getOrCreateTraceBuf(name string) *TraceBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.traceBufs[name] == nil {
		m.traceBufs[name] = NewTraceBuffer(defaultTraceBufSize)
	}
	return m.traceBufs[name]
}

func (m *Manager) getOrCreateChurn(name string) *ChurnDetector {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.churns[name] == nil {
		m.churns[name] = NewChurnDetector(10*time.Second, 20)
	}
	return m.churns[name]
}

func (m *Manager) broadcast(target string, ev TraceEvent) {
	m.subMu.RLock()
	subs := m.subscribers[target]
	m.subMu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Trace implements Tracer. It is handed to Device.SetTracer for every
// managed target and is the single place a TraceEvent fans out to the
// trace buffer, analytics, churn detector, SSE subscribers, and the
// trace log.
func (m *Manager) Trace(ev TraceEvent) {
	m.getOrCreateTraceBuf(ev.Target).Push(ev)
	m.analytics.Record(ev)

	if IsWindowCreate(ev.Command) {
		if m.getOrCreateChurn(ev.Target).Observe(ev.Time) {
			log.Warnf("hiomap: target %s is thrashing window creations", ev.Target)
		}
	}

	m.mu.RLock()
	state, ok := m.targets[ev.Target]
	m.mu.RUnlock()
	if ok {
		state.LastActivity = ev.Time
		if ev.Outcome != "ok" {
			state.LastError = ev.Outcome
		}
	}

	if m.traceLog != nil {
		if err := m.traceLog.WriteTrace(ev.Target, ev); err != nil {
			log.Errorf("hiomap: failed to write trace log for %s: %v", ev.Target, err)
		}
	}

	m.broadcast(ev.Target, ev)
}

// BMCEvent implements Tracer. It is called once per unsolicited event
// packet the background pump observes for a target, independent of the
// command trace, and is the only path that feeds
// Analytics.RecordBMCEvent — the command-keyed Trace method never sees
// these bits.
func (m *Manager) BMCEvent(target string, bits uint8) {
	m.analytics.RecordBMCEvent(target, bits)
}

// healthCheck restarts any target whose session has gone dead or whose
// last activity is older than staleThreshold.
func (m *Manager) healthCheck() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	const staleThreshold = 5 * time.Minute

	for range ticker.C {
		m.mu.RLock()
		var stale []string
		for name, state := range m.targets {
			if !state.Connected {
				continue
			}
			if state.device == nil {
				stale = append(stale, name)
				continue
			}
			if state.device.Status() == StatusDead {
				log.Warnf("hiomap: health check found %s dead, will restart", name)
				stale = append(stale, name)
				continue
			}
			if !state.LastActivity.IsZero() && time.Since(state.LastActivity) > staleThreshold {
				log.Warnf("hiomap: health check found %s idle for %v, will restart", name, time.Since(state.LastActivity).Round(time.Second))
				stale = append(stale, name)
			}
		}
		m.mu.RUnlock()

		for _, name := range stale {
			if state := m.GetTarget(name); state != nil {
				state.cancel()
			}
		}
	}
}

func (m *Manager) runTarget(ctx context.Context, cfg TargetConfig, state *TargetState) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Infof("hiomap: connecting to %s (%s)", cfg.Name, cfg.Host)
		connectTime := time.Now()
		err := m.runSession(ctx, cfg, state)
		state.Connected = false
		if err != nil {
			state.LastError = err.Error()
			log.Errorf("hiomap: session for %s ended: %v", cfg.Name, err)
		}

		if time.Since(connectTime) > 30*time.Second {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
		}
	}
}

func (m *Manager) runSession(ctx context.Context, cfg TargetConfig, state *TargetState) error {
	device, err := m.connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	device.SetTracer(cfg.Name, m)

	if err := device.Init(ctx); err != nil {
		device.Close()
		return fmt.Errorf("init failed: %w", err)
	}

	m.mu.Lock()
	state.device = device
	state.Connected = true
	state.LastError = ""
	state.LastActivity = time.Now()
	m.mu.Unlock()

	log.Infof("hiomap: session established for %s", cfg.Name)

	<-ctx.Done()
	device.Close()
	return ctx.Err()
}
