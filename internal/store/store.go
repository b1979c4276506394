// Package store persists kindred entities in SQLite: personas, the human
// profile, and ceremony cursors. The engine itself persists nothing; this is
// the collaborator its persistence notifier signals into.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kindred/internal/ceremony"
	"kindred/internal/logging"
	"kindred/internal/persona"
)

// Store wraps the SQLite database. All access funnels through one
// connection; the engine's single-writer discipline means contention is a
// non-issue, but the mutex keeps status commands safe regardless.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the database at path, creating directories and schema as
// needed.
func Open(path string) (*Store, error) {
	log := logging.Get(logging.CategoryStore)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debugf("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debugf("set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debugf("set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Infof("store opened at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS personas (
			id         TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS human_profile (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ceremony_cursors (
			persona_id  TEXT PRIMARY KEY,
			phase       TEXT NOT NULL,
			last_run_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ceremony_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// Personas and human profile
// -----------------------------------------------------------------------------

// SavePersona upserts a persona as a JSON document.
func (s *Store) SavePersona(p *persona.Persona) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal persona %s: %w", p.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO personas (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.ID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// LoadPersonas returns every stored persona.
func (s *Store) LoadPersonas() ([]*persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT data FROM personas`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*persona.Persona
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p persona.Persona
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("unmarshal persona: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeletePersona removes a persona and its ceremony cursor.
func (s *Store) DeletePersona(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM personas WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM ceremony_cursors WHERE persona_id = ?`, id)
	return err
}

// SaveHuman upserts the single human profile row.
func (s *Store) SaveHuman(h *persona.HumanProfile) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal human profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO human_profile (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// LoadHuman returns the stored human profile, or an empty one.
func (s *Store) LoadHuman() (*persona.HumanProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	err := s.db.QueryRow(`SELECT data FROM human_profile WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return &persona.HumanProfile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var h persona.HumanProfile
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("unmarshal human profile: %w", err)
	}
	return &h, nil
}

// -----------------------------------------------------------------------------
// Ceremony cursors (implements ceremony.CursorStore)
// -----------------------------------------------------------------------------

const lastCycleKey = "last_cycle_at"

// Get returns one persona's cursor.
func (s *Store) Get(personaID string) (ceremony.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var phase, lastRun string
	err := s.db.QueryRow(
		`SELECT phase, last_run_at FROM ceremony_cursors WHERE persona_id = ?`, personaID).
		Scan(&phase, &lastRun)
	if err == sql.ErrNoRows {
		return ceremony.Cursor{}, false, nil
	}
	if err != nil {
		return ceremony.Cursor{}, false, err
	}
	return scanCursor(personaID, phase, lastRun)
}

// Put upserts one persona's cursor.
func (s *Store) Put(c ceremony.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO ceremony_cursors (persona_id, phase, last_run_at) VALUES (?, ?, ?)
		 ON CONFLICT(persona_id) DO UPDATE SET phase = excluded.phase, last_run_at = excluded.last_run_at`,
		c.PersonaID, string(c.Phase), c.LastRunAt.UTC().Format(time.RFC3339Nano))
	return err
}

// All returns every cursor.
func (s *Store) All() ([]ceremony.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT persona_id, phase, last_run_at FROM ceremony_cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ceremony.Cursor
	for rows.Next() {
		var id, phase, lastRun string
		if err := rows.Scan(&id, &phase, &lastRun); err != nil {
			return nil, err
		}
		c, _, err := scanCursor(id, phase, lastRun)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastCycleAt returns when the previous full ceremony cycle completed.
func (s *Store) LastCycleAt() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM ceremony_meta WHERE key = ?`, lastCycleKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, value)
}

// SetLastCycleAt stamps the cycle completion time.
func (s *Store) SetLastCycleAt(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO ceremony_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastCycleKey, t.UTC().Format(time.RFC3339Nano))
	return err
}

func scanCursor(id, phase, lastRun string) (ceremony.Cursor, bool, error) {
	p, err := ceremony.ParsePhase(phase)
	if err != nil {
		return ceremony.Cursor{}, false, fmt.Errorf("cursor for %s: %w", id, err)
	}
	t, err := time.Parse(time.RFC3339Nano, lastRun)
	if err != nil {
		return ceremony.Cursor{}, false, fmt.Errorf("cursor for %s: %w", id, err)
	}
	return ceremony.Cursor{PersonaID: id, Phase: p, LastRunAt: t}, true, nil
}
