package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// VerifySnapshotIntegrity checks that a snapshot's JSON still hashes to
// its recorded content hash and decodes as a tree.
func VerifySnapshotIntegrity(snap *Snapshot) error {
	computed := sha256.Sum256(snap.Data)
	if !bytes.Equal(computed[:], snap.ContentHash[:]) {
		return fmt.Errorf("content hash mismatch for snapshot %d: computed %x, expected %x",
			snap.ID, computed, snap.ContentHash)
	}
	if !json.Valid(snap.Data) {
		return fmt.Errorf("snapshot %d: stored tree is not valid JSON", snap.ID)
	}
	return nil
}

// VerifyAllSnapshots returns the ids of snapshots that fail
// VerifySnapshotIntegrity.
func (s *Store) VerifyAllSnapshots() ([]int64, error) {
	rows, err := s.db.Query(`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all snapshots: %w", err)
	}
	defer rows.Close()

	var corrupted []int64
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := VerifySnapshotIntegrity(snap); err != nil {
			corrupted = append(corrupted, snap.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return corrupted, nil
}
