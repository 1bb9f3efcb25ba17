package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport is what a recovered panic leaves on disk.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// CrashDir is where reports are written.
	CrashDir  string
	Version   string
	Component string

	// OnCrash is called after the report is written.
	OnCrash func(CrashReport)

	// Stderr receives a short summary. Defaults to os.Stderr.
	Stderr io.Writer
}

// DefaultCrashDir returns $XDG_STATE_HOME/nestobserve/crashes.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(DefaultLogPath()), "crashes")
}

// CrashHandler turns panics in long-running goroutines into reports.
// Recovery does not resume the panicking goroutine's work; callers
// decide whether to restart it.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	userID    string
	onCrash   func(CrashReport)
	stderr    io.Writer
}

// NewCrashHandler creates the crash directory and returns a handler.
func NewCrashHandler(cfg *CrashHandlerConfig) (*CrashHandler, error) {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	if cfg.CrashDir == "" {
		cfg.CrashDir = DefaultCrashDir()
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if err := os.MkdirAll(cfg.CrashDir, 0o750); err != nil {
		return nil, fmt.Errorf("create crash dir: %w", err)
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		onCrash:   cfg.OnCrash,
		stderr:    cfg.Stderr,
	}, nil
}

// SetUserID tags later reports with the observed account.
func (h *CrashHandler) SetUserID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userID = id
}

// Recover runs fn and converts a panic into a report. It reports
// whether fn panicked.
func (h *CrashHandler) Recover(contextInfo map[string]any, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			h.HandlePanic(r, contextInfo)
		}
	}()
	fn()
	return false
}

// HandlePanic writes a report for panicValue.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) CrashReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		UserID:       h.userID,
		Context:      contextInfo,
	}

	path, err := h.write(report)
	if err != nil {
		fmt.Fprintf(h.stderr, "nestobserve: panic: %s (report not written: %v)\n", report.PanicValue, err)
	} else {
		fmt.Fprintf(h.stderr, "nestobserve: panic: %s (report: %s)\n", report.PanicValue, path)
	}

	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000"))
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports reads every report in the crash directory, oldest first.
// Unreadable files are skipped.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

// Cleanup removes reports older than maxAge.
func (h *CrashHandler) Cleanup(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
