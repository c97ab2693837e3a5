// Package draftstore provides the durable, process-wide state region
// shared by the relay broker and the target agent. It holds exactly two
// slots: the pending draft (agent-owned) and the loading flag (set by the
// broker, cleared by the agent). Access goes through narrow per-owner
// accessors so the single-writer discipline is visible in code, not just
// in convention.
package draftstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
)

const (
	keyPendingDraft = "pending_draft"
	keyLoadingFlag  = "loading_flag"
)

// Store is the SQLite-backed key-value region. It survives restarts of
// any peer and is cleared only on terminal outcomes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at the given path. WAL mode keeps
// concurrent readers from blocking the single writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open draft store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bridge_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init draft store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Drafts returns the agent-owned accessor for the pending draft slot.
func (s *Store) Drafts() *DraftAccessor { return &DraftAccessor{s: s} }

// Flag returns the accessor for the loading flag slot. The broker may only
// set it; the agent may only inspect and clear it.
func (s *Store) Flag() *FlagAccessor { return &FlagAccessor{s: s} }

func (s *Store) get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM bridge_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) put(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO bridge_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM bridge_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// DraftAccessor — agent-owned
// ---------------------------------------------------------------------------

// DraftAccessor reads and writes the pending draft slot. Only the target
// agent holds one of these; the broker never touches the draft.
type DraftAccessor struct {
	s *Store
}

// Load returns the persisted draft, if any.
func (a *DraftAccessor) Load() (dispatch.PendingDraft, bool, error) {
	raw, ok, err := a.s.get(keyPendingDraft)
	if err != nil || !ok {
		return dispatch.PendingDraft{}, false, err
	}
	var draft dispatch.PendingDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return dispatch.PendingDraft{}, false, fmt.Errorf("decode pending draft: %w", err)
	}
	return draft, true, nil
}

// Save persists the draft so it survives a reload of the target page.
func (a *DraftAccessor) Save(draft dispatch.PendingDraft) error {
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode pending draft: %w", err)
	}
	return a.s.put(keyPendingDraft, string(raw))
}

// Clear removes the draft. Called on both terminal outcomes.
func (a *DraftAccessor) Clear() error {
	return a.s.delete(keyPendingDraft)
}

// ---------------------------------------------------------------------------
// FlagAccessor — broker sets, agent clears
// ---------------------------------------------------------------------------

// FlagAccessor manages the coarse loading flag. The broker sets it the
// instant a dispatch begins; the agent clears it the instant it renders
// either the real surface or the timeout fallback.
type FlagAccessor struct {
	s *Store
}

// Set raises the flag.
func (a *FlagAccessor) Set() error {
	return a.s.put(keyLoadingFlag, "1")
}

// IsSet reports whether the flag is raised.
func (a *FlagAccessor) IsSet() (bool, error) {
	raw, ok, err := a.s.get(keyLoadingFlag)
	if err != nil || !ok {
		return false, err
	}
	return raw == "1", nil
}

// Clear lowers the flag.
func (a *FlagAccessor) Clear() error {
	return a.s.delete(keyLoadingFlag)
}
