// Package registry implements the authoritative file-metadata table:
// a two-phase upload lifecycle (Reserve, Commit, Release), an exclusive
// Delete, committed-only listing, and a façade onto the prefix cache that
// refuses to serve cache entries for names that are not committed.
//
// A dedicated goroutine persists committed records to a JSON snapshot file
// whenever the table becomes dirty; startup reconciliation brings the
// snapshot and the on-disk backup directory back into agreement before the
// registry is handed to callers.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileRecord is the registry's record for one filename. Size and Time are
// both -1 while the record is reserved but not yet committed; Committed
// reports whether both have been filled in by Commit.
//
// IO guards concurrent access to the on-disk bytes at backupDir/Name:
// downloaders take a shared (read) lock, Delete takes the exclusive
// (write) lock before removing the file. Size and Time are never mutated
// again once a record becomes committed, so callers holding a reference
// returned by Get may read them without additional locking.
type FileRecord struct {
	Name string
	Size int64
	Time int64
	IO   sync.RWMutex
}

// Committed reports whether the record has been filled in by Commit.
func (r *FileRecord) Committed() bool {
	return r.Size >= 0 && r.Time >= 0
}

// Snapshot is the persisted, listing-facing view of a committed record.
type Snapshot struct {
	Name string `json:"filename"`
	Size int64  `json:"size"`
	Time int64  `json:"time"`
}

// Cache is the subset of pkg/cache.PrefixCache the registry's façade
// methods need; declared here so registry does not otherwise depend on
// the cache package's concrete type.
type Cache interface {
	Get(name string) ([]byte, bool)
	Put(name string, data []byte)
	Remove(name string)
}

// Registry is the filename -> FileRecord table described above.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*FileRecord

	backupDir    string
	snapshotPath string
	cache        Cache
	logger       Logger

	dirty  chan struct{} // buffered 1; signals the persister to wake
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Logger is the narrow logging interface Registry needs for reconciliation
// and persistence diagnostics; *slog.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// New constructs a Registry backed by backupDir (where committed file
// bytes live) and snapshotPath (where the JSON snapshot is written).
// New does not start the persistence goroutine or run reconciliation;
// call Start for that after constructing all collaborators.
func New(backupDir, snapshotPath string, cache Cache, logger Logger) *Registry {
	return &Registry{
		records:      make(map[string]*FileRecord),
		backupDir:    backupDir,
		snapshotPath: snapshotPath,
		cache:        cache,
		logger:       logger,
		dirty:        make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Reserve creates an uncommitted record for name and truncates (or
// creates) the backing file on disk. It fails if name is invalid or
// already present, reserved or committed.
func (r *Registry) Reserve(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.records[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("reserve %q: already present", name)
	}
	rec := &FileRecord{Name: name, Size: -1, Time: -1}
	r.records[name] = rec
	r.mu.Unlock()

	f, err := os.Create(filepath.Join(r.backupDir, name))
	if err != nil {
		r.mu.Lock()
		delete(r.records, name)
		r.mu.Unlock()
		return fmt.Errorf("reserve %q: %w", name, err)
	}
	return f.Close()
}

// Release removes an uncommitted record and its on-disk file. It is used
// when a multipart part fails validation or a chunk write fails mid-part.
// Release fails if name is not present or is already committed.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	rec, exists := r.records[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("release %q: not reserved", name)
	}
	if rec.Committed() {
		r.mu.Unlock()
		return fmt.Errorf("release %q: already committed", name)
	}
	delete(r.records, name)
	r.mu.Unlock()

	if err := os.Remove(filepath.Join(r.backupDir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release %q: %w", name, err)
	}
	return nil
}

// Commit fills in size and the caller-supplied commit time now (Unix
// seconds) for a reserved record, then marks the registry dirty so the snapshot thread wakes.
// Commit fails if name is not reserved or is already committed.
func (r *Registry) Commit(name string, size int64, now int64) error {
	r.mu.Lock()
	rec, exists := r.records[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("commit %q: not reserved", name)
	}
	if rec.Committed() {
		r.mu.Unlock()
		return fmt.Errorf("commit %q: already committed", name)
	}
	rec.Size = size
	rec.Time = now
	r.mu.Unlock()

	r.markDirty()
	return nil
}

// Delete removes a committed record and its on-disk file under the
// record's exclusive lock, evicts it from the prefix cache, and marks the
// registry dirty. Delete fails if name is missing or still uncommitted.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	rec, exists := r.records[name]
	if !exists || !rec.Committed() {
		r.mu.Unlock()
		if !exists {
			return fmt.Errorf("delete %q: not found", name)
		}
		return fmt.Errorf("delete %q: not committed", name)
	}
	delete(r.records, name)
	r.mu.Unlock()

	rec.IO.Lock()
	err := os.Remove(filepath.Join(r.backupDir, name))
	rec.IO.Unlock()

	if r.cache != nil {
		r.cache.Remove(name)
	}
	r.markDirty()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

// Get returns the record for name iff it is committed.
func (r *Registry) Get(name string) (*FileRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[name]
	if !exists || !rec.Committed() {
		return nil, false
	}
	return rec, true
}

// ListAll returns a snapshot of every committed record, sorted by name.
func (r *Registry) ListAll() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.records))
	for _, rec := range r.records {
		if !rec.Committed() {
			continue
		}
		out = append(out, Snapshot{Name: rec.Name, Size: rec.Size, Time: rec.Time})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PrefixGet is a façade over the prefix cache that first confirms name is
// committed, so callers cannot accidentally serve a cached prefix for a
// file that was deleted or never existed.
func (r *Registry) PrefixGet(name string) ([]byte, bool) {
	if _, ok := r.Get(name); !ok {
		return nil, false
	}
	return r.cache.Get(name)
}

// PrefixPut is a façade over the prefix cache that first confirms name is
// committed before caching a prefix for it.
func (r *Registry) PrefixPut(name string, data []byte) {
	if _, ok := r.Get(name); !ok {
		return
	}
	r.cache.Put(name, data)
}

// markDirty signals the persister goroutine without blocking; repeated
// signals before the persister wakes collapse into a single wake, so the
// snapshot thread writes at most once per burst of commits.
func (r *Registry) markDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}
