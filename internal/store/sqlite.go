package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"nestobserve/internal/model"
)

// ErrNoSnapshot is returned when the store holds no snapshot.
var ErrNoSnapshot = errors.New("store: no snapshot")

// Store is the SQLite snapshot store.
type Store struct {
	db *sql.DB
}

// Options tunes Open.
type Options struct {
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// Open opens or creates the SQLite database at path and runs migrations.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; database/sql would otherwise open parallel connections
	// that contend on the WAL lock.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the handle for migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

func encodeTree(tree *model.DeviceTree) ([]byte, [32]byte, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("encode tree: %w", err)
	}
	return data, sha256.Sum256(data), nil
}

func decodeTree(data []byte) (*model.DeviceTree, error) {
	var tree model.DeviceTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return &tree, nil
}

// CountDevices returns the number of devices across every kind.
func CountDevices(tree *model.DeviceTree) int {
	d := tree.Devices
	return len(d.Thermostats) + len(d.HomeAwaySensors) + len(d.TempSensors) +
		len(d.SmokeCOAlarms) + len(d.Cameras) + len(d.Locks) + len(d.Guards) + len(d.Detects)
}

// SaveSnapshot stores tree unless it is byte-identical to the newest
// snapshot for the same user. It reports whether a row was written.
func (s *Store) SaveSnapshot(userID string, generation uint64, tree *model.DeviceTree, takenAt time.Time) (bool, error) {
	data, hash, err := encodeTree(tree)
	if err != nil {
		return false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last []byte
	err = tx.QueryRow(`
		SELECT content_hash FROM snapshots
		WHERE user_id = ? ORDER BY taken_ns DESC, id DESC LIMIT 1`, userID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("query latest hash: %w", err)
	}
	if err == nil && string(last) == string(hash[:]) {
		return false, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO snapshots (user_id, taken_ns, generation, device_count, content_hash, tree_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, takenAt.UnixNano(), int64(generation), CountDevices(tree), hash[:], string(data),
	); err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit snapshot: %w", err)
	}
	return true, nil
}

const snapshotColumns = `id, user_id, taken_ns, generation, device_count, content_hash, tree_json`

func scanSnapshot(row interface{ Scan(...any) error }) (*Snapshot, error) {
	var (
		snap    Snapshot
		takenNs int64
		gen     int64
		hash    []byte
		data    string
	)
	if err := row.Scan(&snap.ID, &snap.UserID, &takenNs, &gen, &snap.DeviceCount, &hash, &data); err != nil {
		return nil, err
	}
	snap.TakenAt = time.Unix(0, takenNs)
	snap.Generation = uint64(gen)
	copy(snap.ContentHash[:], hash)
	snap.Data = []byte(data)
	return &snap, nil
}

// Latest returns the newest snapshot. An empty userID matches any user.
func (s *Store) Latest(userID string) (*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY taken_ns DESC, id DESC LIMIT 1`

	snap, err := scanSnapshot(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	return snap, nil
}

// History returns up to limit snapshots, newest first.
func (s *Store) History(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(`SELECT `+snapshotColumns+` FROM snapshots ORDER BY taken_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots and returns how many
// rows went.
func (s *Store) Prune(keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.Exec(`
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_ns DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// RecordCycle stores how a stream connection ended.
func (s *Store) RecordCycle(c Cycle) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO cycles (generation, reason, status, frames, error, ended_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(c.Generation), c.Reason, c.Status, c.Frames, nullString(c.Error), c.EndedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert cycle: %w", err)
	}
	return res.LastInsertId()
}

// Cycles returns up to limit recorded cycles, newest first.
func (s *Store) Cycles(limit int) ([]Cycle, error) {
	rows, err := s.db.Query(`
		SELECT id, generation, reason, status, frames, error, ended_ns
		FROM cycles ORDER BY ended_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		var (
			c       Cycle
			gen     int64
			errText sql.NullString
			endedNs int64
		)
		if err := rows.Scan(&c.ID, &gen, &c.Reason, &c.Status, &c.Frames, &errText, &endedNs); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.Generation = uint64(gen)
		c.Error = errText.String
		c.EndedAt = time.Unix(0, endedNs)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetStats summarizes the database.
func (s *Store) GetStats() (*Stats, error) {
	var (
		stats          Stats
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRow(`SELECT COUNT(*), MIN(taken_ns), MAX(taken_ns) FROM snapshots`).
		Scan(&stats.Snapshots, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("query snapshot stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestAt = time.Unix(0, oldest.Int64)
		stats.NewestAt = time.Unix(0, newest.Int64)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cycles`).Scan(&stats.Cycles); err != nil {
		return nil, fmt.Errorf("query cycle stats: %w", err)
	}
	if stats.SchemaVersion, err = schemaVersion(s.db); err != nil {
		return nil, err
	}
	return &stats, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
