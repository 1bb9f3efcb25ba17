package logging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType names a session transition recorded in the event journal.
type EventType string

// Event types.
const (
	EventStartup           EventType = "startup"
	EventShutdown          EventType = "shutdown"
	EventAuthSuccess       EventType = "auth_success"
	EventAuthFailure       EventType = "auth_failure"
	EventStreamCycle       EventType = "stream_cycle"
	EventDeviceListChanged EventType = "device_list_changed"
	EventConfigChange      EventType = "config_change"
	EventCredentialsChange EventType = "credentials_change"
)

// Event is one journal line.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Component string         `json:"component,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventJournal appends session transitions as JSON lines to a rotated
// file. It is separate from the diagnostic log so it can be kept longer
// and read by tools.
type EventJournal struct {
	rotator *FileRotator
	now     func() time.Time

	mu     sync.Mutex
	userID string
}

// NewEventJournal opens the journal at path.
func NewEventJournal(path string, maxSizeMB int64, maxBackups int) (*EventJournal, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create event journal: %w", err)
	}
	return &EventJournal{rotator: rotator, now: time.Now}, nil
}

// SetUserID tags later events with the account's user id.
func (j *EventJournal) SetUserID(id string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.userID = id
}

// Record writes ev, filling in the timestamp and user id. Recording to a
// nil journal does nothing.
func (j *EventJournal) Record(ev Event) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now().UTC()
	}
	if ev.UserID == "" {
		ev.UserID = j.userID
	}
	if ev.Result == "" {
		ev.Result = "success"
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := j.rotator.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Startup records process start.
func (j *EventJournal) Startup(version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	return j.Record(Event{Type: EventStartup, Details: details})
}

// Shutdown records process exit.
func (j *EventJournal) Shutdown(reason string) error {
	return j.Record(Event{Type: EventShutdown, Reason: reason})
}

// AuthSuccess records a new session credential.
func (j *EventJournal) AuthSuccess(expires time.Time, refreshFlow bool) error {
	return j.Record(Event{
		Type:      EventAuthSuccess,
		Component: "auth",
		Details:   map[string]any{"expires": expires.UTC(), "refresh_flow": refreshFlow},
	})
}

// AuthFailure records a failed exchange.
func (j *EventJournal) AuthFailure(err error) error {
	return j.Record(Event{Type: EventAuthFailure, Component: "auth", Result: "failure", Error: errString(err)})
}

// StreamCycle records how an observe cycle ended.
func (j *EventJournal) StreamCycle(generation uint64, reason string, status int32, frames int, err error) error {
	result := "success"
	if err != nil {
		result = "failure"
	}
	return j.Record(Event{
		Type:      EventStreamCycle,
		Component: "observe",
		Result:    result,
		Reason:    reason,
		Error:     errString(err),
		Details:   map[string]any{"generation": generation, "status": status, "frames": frames},
	})
}

// DeviceListChanged records peer device count drift.
func (j *EventJournal) DeviceListChanged(structureID string, before, after int) error {
	return j.Record(Event{
		Type:      EventDeviceListChanged,
		Component: "translator",
		Resource:  "structure." + structureID,
		Details:   map[string]any{"before": before, "after": after},
	})
}

// ConfigChange records a setting applied by a reload.
func (j *EventJournal) ConfigChange(setting, oldValue, newValue string) error {
	return j.Record(Event{
		Type:     EventConfigChange,
		Resource: setting,
		Details:  map[string]any{"old_value": oldValue, "new_value": newValue},
	})
}

// CredentialsChange records a reload of the credentials file.
func (j *EventJournal) CredentialsChange(path string) error {
	return j.Record(Event{Type: EventCredentialsChange, Resource: path})
}

// Close closes the journal file.
func (j *EventJournal) Close() error {
	if j == nil {
		return nil
	}
	return j.rotator.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
