// Package sessions implements the bus's session store: a single JSON
// document on disk mapping a conversation's sessionKey to the agent CLI
// session it currently resumes. Unlike a typical in-process session
// cache, this store deliberately has NO in-process cache — every Get
// re-reads the file from disk, because the adapter, the dispatcher, and
// the approval hook are three separate OS processes sharing one file.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// DefaultFilename is the session store's filename under CONFIG_HOME.
const DefaultFilename = "thread-sessions.json"

// DefaultMaxAge is the threshold used by CleanupStale when the caller
// doesn't specify one.
const DefaultMaxAge = 30 * 24 * time.Hour

// staleLockAge is how long a lock file may be held before a new writer
// assumes its owner crashed and breaks it.
const staleLockAge = 10 * time.Second

// lockRetryBase / lockRetryTries define the exponential backoff used while
// acquiring the advisory lock: 50ms, 100ms, 200ms, ... up to 6 attempts.
const (
	lockRetryBase  = 50 * time.Millisecond
	lockRetryTries = 6
)

// Entry is one sessionKey's mapping to an agent CLI session.
type Entry struct {
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is a handle on the on-disk session document. It carries no
// cached state itself — only the path and lock configuration — so
// constructing many Store values over the same path is always safe.
type Store struct {
	path string
}

// NewStore opens (without reading) the session store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Get returns the current entry for key, always re-reading the file from
// disk. A missing key or missing file both report ok=false.
func (s *Store) Get(key string) (Entry, bool, error) {
	doc, err := s.readDoc()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := doc[key]
	return e, ok, nil
}

// Create generates a fresh session ID for key, overwriting any existing
// entry at the same key, and returns the new ID. Guarded by the advisory
// file lock.
func (s *Store) Create(key, agentID string) (string, error) {
	sessionID := uuid.NewString()
	err := s.withLock(func(doc map[string]Entry) (map[string]Entry, error) {
		doc[key] = Entry{SessionID: sessionID, AgentID: agentID, CreatedAt: time.Now()}
		return doc, nil
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// Remap copies the entry at oldKey to newKey and deletes oldKey. A no-op
// if oldKey is absent. Used when an adapter converts a channel message
// into a thread: sessionKey migrates from the transient messageId to the
// stable thread id, preserving conversation continuity.
func (s *Store) Remap(oldKey, newKey string) error {
	return s.withLock(func(doc map[string]Entry) (map[string]Entry, error) {
		e, ok := doc[oldKey]
		if !ok {
			return doc, nil
		}
		doc[newKey] = e
		delete(doc, oldKey)
		return doc, nil
	})
}

// Delete removes key's entry, if present.
func (s *Store) Delete(key string) error {
	return s.withLock(func(doc map[string]Entry) (map[string]Entry, error) {
		delete(doc, key)
		return doc, nil
	})
}

// CleanupStale deletes every entry older than maxAge (DefaultMaxAge if
// zero). Returns the number of entries removed.
func (s *Store) CleanupStale(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	removed := 0
	err := s.withLock(func(doc map[string]Entry) (map[string]Entry, error) {
		cutoff := time.Now().Add(-maxAge)
		for k, e := range doc {
			if e.CreatedAt.Before(cutoff) {
				delete(doc, k)
				removed++
			}
		}
		return doc, nil
	})
	return removed, err
}

// List returns every sessionKey -> Entry pair currently on disk. Used by
// the `sessions` inspection subcommand; not on any hot path.
func (s *Store) List() (map[string]Entry, error) {
	return s.readDoc()
}

// readDoc loads the document without taking the write lock — concurrent
// reads are safe because writers only ever replace the file atomically
// (write-temp-then-rename under withLock), never mutate it in place.
func (s *Store) readDoc() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("sessions: read store: %w", err)
	}
	if len(data) == 0 {
		return map[string]Entry{}, nil
	}
	var doc map[string]Entry
	if err := json.Unmarshal(data, &doc); err != nil {
		// Corrupt state file: treated as empty per the bus's error-handling
		// contract for state files (queue files instead go through
		// retry/dead-letter; this document has no such path).
		return map[string]Entry{}, nil
	}
	if doc == nil {
		doc = map[string]Entry{}
	}
	return doc, nil
}

// withLock acquires the advisory file lock (breaking it if stale),
// re-reads the document, lets fn mutate it, and writes the result back
// via write-temp-then-rename — the same atomic-write discipline the
// queue bus uses.
func (s *Store) withLock(fn func(map[string]Entry) (map[string]Entry, error)) error {
	lockPath := s.path + ".lock"
	lk := flock.New(lockPath)

	locked, err := s.acquireWithBackoff(lk)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("sessions: could not acquire lock on %s", lockPath)
	}
	defer lk.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	doc, err = fn(doc)
	if err != nil {
		return err
	}
	return s.writeDoc(doc)
}

// acquireWithBackoff tries to take the lock, breaking it if the lock
// file itself is older than staleLockAge (its owner almost certainly
// crashed without releasing it), retrying with exponential backoff.
func (s *Store) acquireWithBackoff(lk *flock.Flock) (bool, error) {
	wait := lockRetryBase
	for attempt := 0; attempt < lockRetryTries; attempt++ {
		ok, err := lk.TryLock()
		if err != nil {
			return false, fmt.Errorf("sessions: lock error: %w", err)
		}
		if ok {
			return true, nil
		}
		breakStaleLock(lk.Path())
		time.Sleep(wait)
		wait *= 2
	}
	return lk.TryLock()
}

// breakStaleLock removes the lock file if its mtime is older than
// staleLockAge, under the assumption its holder crashed without
// releasing it. Best-effort: if removal races with the real owner
// releasing the lock normally, the subsequent TryLock attempt simply
// succeeds or fails as usual.
func breakStaleLock(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > staleLockAge {
		_ = os.Remove(path)
	}
}

func (s *Store) writeDoc(doc map[string]Entry) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshal store: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(s.path), uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sessions: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sessions: rename store into place: %w", err)
	}
	return nil
}
