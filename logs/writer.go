// Package logs persists HIOMAP trace events to per-target, rotating
// log files: one JSON line per TraceEvent, with the same
// current.log-symlink-continuation and retention-based cleanup
// discipline as a rolling text log.
package logs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"hiomapd/hiomap"
)

// traceLine is the on-disk JSON shape for one TraceEvent; this is
// separate from hiomap.TraceEvent so the wire-visible trace record and
// the persisted log line can evolve independently.
type traceLine struct {
	Time     time.Time     `json:"time"`
	Command  string        `json:"command"`
	Seq      uint8         `json:"seq"`
	HasDir   bool          `json:"hasDir,omitempty"`
	Dir      string        `json:"dir,omitempty"`
	Bytes    int           `json:"bytes"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"durationNs"`
}

type Writer struct {
	basePath      string
	retentionDays int
	files         map[string]*os.File
	lastRotation  map[string]time.Time
	mu            sync.Mutex
}

func NewWriter(basePath string, retentionDays int) *Writer {
	return &Writer{
		basePath:      basePath,
		retentionDays: retentionDays,
		files:         make(map[string]*os.File),
		lastRotation:  make(map[string]time.Time),
	}
}

// WriteTrace implements hiomap.TraceLogWriter: one JSON line per event.
func (w *Writer) WriteTrace(target string, ev hiomap.TraceEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.getOrCreateFile(target)
	if err != nil {
		return err
	}

	line := traceLine{
		Time:     ev.Time,
		Command:  cmdString(ev.Command),
		Seq:      ev.Seq,
		HasDir:   ev.HasDir,
		Bytes:    ev.Bytes,
		Outcome:  ev.Outcome,
		Duration: ev.Duration,
	}
	if ev.HasDir {
		if ev.Dir == hiomap.DirWrite {
			line.Dir = "write"
		} else {
			line.Dir = "read"
		}
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal trace line: %w", err)
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

func cmdString(cmd hiomap.Command) string {
	return fmt.Sprintf("0x%02x", uint8(cmd))
}

// CanRotate reports whether enough time has passed since the last
// rotation for target (2 minute cooldown, matching the teacher's
// rate-limit on manual rotation).
func (w *Writer) CanRotate(target string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if lastTime, exists := w.lastRotation[target]; exists {
		if time.Since(lastTime) < 2*time.Minute {
			return false
		}
	}
	return true
}

func (w *Writer) Rotate(target string) error {
	_, err := w.RotateWithName(target, "")
	return err
}

func (w *Writer) RotateWithName(target, logName string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f, exists := w.files[target]; exists {
		f.Close()
		delete(w.files, target)
	}

	dir := filepath.Join(w.basePath, target)
	symlinkPath := filepath.Join(dir, "current.log")
	os.Remove(symlinkPath)
	w.lastRotation[target] = time.Now()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	if logName == "" {
		logName = time.Now().Format("2006-01-02_15-04-05")
	} else {
		logName = filepath.Base(logName)
	}
	if filepath.Ext(logName) != ".log" {
		logName = logName + ".log"
	}

	path := filepath.Join(dir, logName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create log file: %w", err)
	}
	w.files[target] = f
	os.Symlink(logName, symlinkPath)

	log.Infof("Rotated trace log for %s to %s", target, logName)
	return logName, nil
}

func (w *Writer) getOrCreateFile(target string) (*os.File, error) {
	if f, exists := w.files[target]; exists {
		return f, nil
	}

	dir := filepath.Join(w.basePath, target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	symlinkPath := filepath.Join(dir, "current.log")
	if linkTarget, err := os.Readlink(symlinkPath); err == nil {
		existingPath := filepath.Join(dir, linkTarget)
		if f, err := os.OpenFile(existingPath, os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			w.files[target] = f
			log.Infof("Continuing existing trace log: %s", existingPath)
			return f, nil
		}
	}

	filename := time.Now().Format("2006-01-02_15-04-05") + ".log"
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	w.files[target] = f

	os.Remove(symlinkPath)
	os.Symlink(filename, symlinkPath)
	log.Infof("Created trace log: %s", path)
	return f, nil
}

func (w *Writer) ListLogs(target string) ([]string, error) {
	dir := filepath.Join(w.basePath, target)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	type logEntry struct {
		name    string
		modTime time.Time
	}
	var entries2 []logEntry
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" && entry.Name() != "current.log" {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			entries2 = append(entries2, logEntry{name: entry.Name(), modTime: info.ModTime()})
		}
	}

	sort.Slice(entries2, func(i, j int) bool {
		return entries2[i].modTime.After(entries2[j].modTime)
	})

	names := make([]string, len(entries2))
	for i, l := range entries2 {
		names[i] = l.name
	}
	return names, nil
}

func (w *Writer) GetLogPath(target, filename string) string {
	return filepath.Join(w.basePath, target, filename)
}

func (w *Writer) Cleanup() {
	if w.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		return
	}

	for _, targetDir := range entries {
		if !targetDir.IsDir() {
			continue
		}
		targetPath := filepath.Join(w.basePath, targetDir.Name())
		logFiles, err := os.ReadDir(targetPath)
		if err != nil {
			continue
		}
		for _, logFile := range logFiles {
			if logFile.IsDir() || filepath.Ext(logFile.Name()) != ".log" {
				continue
			}
			info, err := logFile.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(targetPath, logFile.Name())
				os.Remove(path)
				log.Infof("Cleaned up old trace log: %s", path)
			}
		}
	}
}

func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, f := range w.files {
		f.Close()
	}
	w.files = make(map[string]*os.File)
}
