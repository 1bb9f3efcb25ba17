// Package store keeps the last known device trees in SQLite, mirrors the
// newest one to a JSON state file, and guards the state directory with a
// process lock.
package store

import (
	"time"

	"nestobserve/internal/model"
)

// Snapshot is one stored device tree.
type Snapshot struct {
	ID          int64
	UserID      string
	TakenAt     time.Time
	Generation  uint64
	DeviceCount int
	ContentHash [32]byte
	Data        []byte
}

// Tree decodes the stored JSON.
func (s *Snapshot) Tree() (*model.DeviceTree, error) {
	return decodeTree(s.Data)
}

// Cycle records how one observe connection ended.
type Cycle struct {
	ID         int64
	Generation uint64
	Reason     string
	Status     int32
	Frames     int
	Error      string
	EndedAt    time.Time
}

// Stats summarizes the database.
type Stats struct {
	Snapshots     int64
	Cycles        int64
	OldestAt      time.Time
	NewestAt      time.Time
	SchemaVersion int
}
