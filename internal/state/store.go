// Package state persists the little inkclock needs to survive a
// restart: the latest payload seen on each time topic and the last
// frame drawn on the panel. With it the loop can redraw immediately on
// boot instead of showing the placeholder until the broker replays its
// retained messages.
package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Payload is the last message received for one role ("past" or "now").
type Payload struct {
	Role       string
	Topic      string
	Value      string
	Retained   bool
	ReceivedAt time.Time
}

// Store is backed by SQLite. All public methods are safe for concurrent
// use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the state database at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS latest_payload (
		role        TEXT PRIMARY KEY,
		topic       TEXT NOT NULL,
		payload     TEXT NOT NULL,
		retained    INTEGER NOT NULL DEFAULT 0,
		received_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS display_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SavePayload upserts the latest payload for p.Role.
func (s *Store) SavePayload(p Payload) error {
	_, err := s.db.Exec(
		`INSERT INTO latest_payload (role, topic, payload, retained, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (role) DO UPDATE
		 SET topic = excluded.topic, payload = excluded.payload,
		     retained = excluded.retained, received_at = excluded.received_at`,
		p.Role, p.Topic, p.Value, p.Retained, p.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save payload %s: %w", p.Role, err)
	}
	return nil
}

// ClearPayload forgets the payload for role. No error is returned if
// none was stored.
func (s *Store) ClearPayload(role string) error {
	if _, err := s.db.Exec(`DELETE FROM latest_payload WHERE role = ?`, role); err != nil {
		return fmt.Errorf("clear payload %s: %w", role, err)
	}
	return nil
}

// Payloads returns every stored payload keyed by role. Returns an empty
// (non-nil) map if nothing has been stored.
func (s *Store) Payloads() (map[string]Payload, error) {
	rows, err := s.db.Query(`SELECT role, topic, payload, retained, received_at FROM latest_payload`)
	if err != nil {
		return nil, fmt.Errorf("list payloads: %w", err)
	}
	defer rows.Close()

	result := make(map[string]Payload)
	for rows.Next() {
		var p Payload
		var receivedAt string
		if err := rows.Scan(&p.Role, &p.Topic, &p.Value, &p.Retained, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		if p.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
			return nil, fmt.Errorf("parse received_at for %s: %w", p.Role, err)
		}
		result[p.Role] = p
	}
	return result, rows.Err()
}

// SetDisplay records a display attribute (last label, indicator state).
func (s *Store) SetDisplay(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO display_state (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set display %s: %w", key, err)
	}
	return nil
}

// Display returns a display attribute. Returns empty string and nil
// error if the key does not exist.
func (s *Store) Display(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM display_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get display %s: %w", key, err)
	}
	return value, nil
}
