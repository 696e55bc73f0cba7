package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
)

const (
	dirPending   = "pending"
	dirDecisions = "decisions"
)

// Store is the file-based pending/decision channel under
// CONFIG_HOME/approvals/{pending,decisions}/. It is shared by the hook
// process (writer of pending, reader of decisions) and the channel
// adapter (reader of pending, writer of decisions).
type Store struct {
	Root string // CONFIG_HOME/approvals
}

// NewStore creates the pending/decisions subdirectories if absent.
func NewStore(root string) (*Store, error) {
	s := &Store{Root: root}
	for _, dir := range []string{dirPending, dirDecisions} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("approval: mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) pendingPath(requestID string) string {
	return filepath.Join(s.Root, dirPending, requestID+".json")
}

func (s *Store) decisionPath(requestID string) string {
	return filepath.Join(s.Root, dirDecisions, requestID+".json")
}

// WritePending publishes a request for human review.
func (s *Store) WritePending(p bus.PendingApproval) error {
	return writeJSONAtomic(s.pendingPath(p.RequestID), p)
}

// ReadPending loads one pending request by id.
func (s *Store) ReadPending(requestID string) (bus.PendingApproval, error) {
	var p bus.PendingApproval
	data, err := os.ReadFile(s.pendingPath(requestID))
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(data, &p)
	return p, err
}

// ListPending returns every requestId with a pending file, oldest first.
func (s *Store) ListPending() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, dirPending))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ids = append(ids, trimJSONExt(e.Name()))
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkNotified rewrites a pending request with notified:true, tolerating
// a request that was resolved (and removed) concurrently.
func (s *Store) MarkNotified(requestID string) error {
	p, err := s.ReadPending(requestID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	p.Notified = true
	return s.WritePending(p)
}

// DeletePending removes a pending request file, tolerating its absence.
func (s *Store) DeletePending(requestID string) error {
	if err := os.Remove(s.pendingPath(requestID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("approval: delete pending %s: %w", requestID, err)
	}
	return nil
}

// WriteDecision is called by the channel-side approval UI once a human
// has picked an option.
func (s *Store) WriteDecision(requestID string, d bus.Decision) error {
	return writeJSONAtomic(s.decisionPath(requestID), d)
}

// ReadDecision loads a decision file if one has been written yet.
func (s *Store) ReadDecision(requestID string) (bus.Decision, bool, error) {
	data, err := os.ReadFile(s.decisionPath(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return bus.Decision{}, false, nil
		}
		return bus.Decision{}, false, fmt.Errorf("approval: read decision %s: %w", requestID, err)
	}
	var d bus.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return bus.Decision{}, false, fmt.Errorf("approval: parse decision %s: %w", requestID, err)
	}
	return d, true, nil
}

// DeleteDecision removes a decision file, tolerating its absence.
func (s *Store) DeleteDecision(requestID string) error {
	if err := os.Remove(s.decisionPath(requestID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("approval: delete decision %s: %w", requestID, err)
	}
	return nil
}

func trimJSONExt(name string) string {
	const ext = ".json"
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}
