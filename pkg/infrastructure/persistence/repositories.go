// Package persistence provides repository implementations backed by the
// filesystem. These are the infrastructure adapters for domain repository
// interfaces.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/whatisup223/outreachbridge/pkg/domain"
	dispatchdomain "github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
)

// ---------------------------------------------------------------------------
// Generic JSON file store — reusable building block
// ---------------------------------------------------------------------------

// JSONStore provides generic JSON file-based persistence for any
// serializable type. It keeps an in-memory cache and persists to disk on
// every Put/Remove.
type JSONStore[T any] struct {
	baseDir string
	items   map[domain.EntityID]*T
	mu      sync.RWMutex
}

// NewJSONStore creates a new file-backed store.
func NewJSONStore[T any](baseDir string) *JSONStore[T] {
	os.MkdirAll(baseDir, 0755)
	return &JSONStore[T]{
		baseDir: baseDir,
		items:   make(map[domain.EntityID]*T),
	}
}

// Load reads all JSON files from the base directory into memory.
func (s *JSONStore[T]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		// Filename (without .json) is the ID
		id := domain.EntityID(entry.Name()[:len(entry.Name())-5])
		s.items[id] = &item
	}
	return nil
}

// Get retrieves an item by ID.
func (s *JSONStore[T]) Get(id domain.EntityID) (*T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// Put saves an item to memory and disk.
func (s *JSONStore[T]) Put(id domain.EntityID, item *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[id] = item
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(s.baseDir, string(id)+".json"), data, 0644)
}

// Remove deletes an item from memory and disk.
func (s *JSONStore[T]) Remove(id domain.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	os.Remove(filepath.Join(s.baseDir, string(id)+".json"))
	return true
}

// ForEach visits every item with its ID.
func (s *JSONStore[T]) ForEach(fn func(domain.EntityID, *T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, item := range s.items {
		fn(id, item)
	}
}

// All returns all items.
func (s *JSONStore[T]) All() []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*T, 0, len(s.items))
	for _, item := range s.items {
		result = append(result, item)
	}
	return result
}

// ---------------------------------------------------------------------------
// Dispatch repository implementation
// ---------------------------------------------------------------------------

// DispatchRepository is the filesystem-backed implementation of
// dispatch.Repository. It feeds the stats sweep and diagnostics; the
// in-flight delivery itself is recovered from the draft store, not here.
type DispatchRepository struct {
	store *JSONStore[dispatchdomain.Dispatch]
}

// NewDispatchRepository creates a new dispatch repository.
func NewDispatchRepository(baseDir string) *DispatchRepository {
	store := NewJSONStore[dispatchdomain.Dispatch](filepath.Join(baseDir, "dispatches"))
	store.Load()
	// The ID lives in the filename, not the JSON body; restore it so a
	// reloaded dispatch saves back under the same key.
	store.ForEach(func(id domain.EntityID, d *dispatchdomain.Dispatch) {
		d.SetID(id)
	})
	return &DispatchRepository{store: store}
}

func (r *DispatchRepository) FindByID(id domain.EntityID) (*dispatchdomain.Dispatch, error) {
	d, ok := r.store.Get(id)
	if !ok {
		return nil, dispatchdomain.ErrNotFound
	}
	return d, nil
}

// FindByItem returns the dispatch for an item. When several records share
// an item (a retry after a failed attempt leaves the failed one behind) the
// active dispatch wins over a terminal one; ties go to the most recently
// updated record.
func (r *DispatchRepository) FindByItem(itemID string) (*dispatchdomain.Dispatch, error) {
	var found *dispatchdomain.Dispatch
	for _, d := range r.store.All() {
		if d.Request.ItemID != itemID {
			continue
		}
		if found == nil || preferDispatch(d, found) {
			found = d
		}
	}
	if found == nil {
		return nil, dispatchdomain.ErrNotFound
	}
	return found, nil
}

func preferDispatch(a, b *dispatchdomain.Dispatch) bool {
	if a.State.Terminal() != b.State.Terminal() {
		return !a.State.Terminal()
	}
	return a.UpdatedAt.After(b.UpdatedAt.Time)
}

func (r *DispatchRepository) FindConfirmedSince(cutoff time.Time) ([]*dispatchdomain.Dispatch, error) {
	var result []*dispatchdomain.Dispatch
	for _, d := range r.store.All() {
		if d.State == domain.DispatchConfirmed && d.ConfirmedAt.After(cutoff) {
			result = append(result, d)
		}
	}
	return result, nil
}

func (r *DispatchRepository) FindAll() ([]*dispatchdomain.Dispatch, error) {
	return r.store.All(), nil
}

func (r *DispatchRepository) Save(d *dispatchdomain.Dispatch) error {
	return r.store.Put(d.ID(), d)
}

func (r *DispatchRepository) Delete(id domain.EntityID) error {
	if !r.store.Remove(id) {
		return dispatchdomain.ErrNotFound
	}
	return nil
}

// Compile-time verification
var _ dispatchdomain.Repository = (*DispatchRepository)(nil)
