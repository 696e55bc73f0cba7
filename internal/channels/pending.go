package channels

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPendingTTL is how long a pending-message entry survives before
// PendingTable.Prune discards it (§4.6: "expire after 3 days").
const DefaultPendingTTL = 3 * 24 * time.Hour

// PendingMessage tracks a channel message an adapter is waiting on a bus
// response for, so a late-arriving response (after a restart, even) can
// still be routed back to the right place.
type PendingMessage struct {
	MessageID string    `json:"messageId"`
	ChannelID string    `json:"channelId"`
	ThreadID  string    `json:"threadId,omitempty"`
	SenderID  string    `json:"senderId"`
	IsDM      bool      `json:"isDm,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingTable is an adapter-owned, disk-persisted table of in-flight
// messages. One JSON document, guarded by a mutex since a single adapter
// process is its only writer (unlike the cross-process session store).
type PendingTable struct {
	path string

	mu      sync.Mutex
	entries map[string]PendingMessage
}

// NewPendingTable loads path if it exists, or starts empty.
func NewPendingTable(path string) *PendingTable {
	t := &PendingTable{path: path, entries: map[string]PendingMessage{}}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &t.entries)
	}
	if t.entries == nil {
		t.entries = map[string]PendingMessage{}
	}
	return t
}

// Put records or updates the pending entry for msg.MessageID and
// persists the table.
func (t *PendingTable) Put(msg PendingMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	t.entries[msg.MessageID] = msg
	return t.saveLocked()
}

// Get returns the pending entry for messageID, if present.
func (t *PendingTable) Get(messageID string) (PendingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[messageID]
	return m, ok
}

// Delete removes messageID from the table and persists the change.
func (t *PendingTable) Delete(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, messageID)
	return t.saveLocked()
}

// Prune discards every entry older than ttl (DefaultPendingTTL if zero)
// and persists the result. Returns the number of entries removed.
func (t *PendingTable) Prune(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, m := range t.entries {
		if m.CreatedAt.Before(cutoff) {
			delete(t.entries, id)
			removed++
		}
	}
	if removed > 0 {
		return removed, t.saveLocked()
	}
	return 0, nil
}

// All returns a snapshot of every currently tracked entry.
func (t *PendingTable) All() []PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingMessage, 0, len(t.entries))
	for _, m := range t.entries {
		out = append(out, m)
	}
	return out
}

func (t *PendingTable) saveLocked() error {
	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

// BotThreads is the adapter's thread → default-agent-prefix table,
// persisted the same way as PendingTable. A stored empty string means
// "this thread has an explicit agent override of none" (still tracked,
// distinct from "never seen this thread").
type BotThreads struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// NewBotThreads loads path if present, or starts empty.
func NewBotThreads(path string) *BotThreads {
	t := &BotThreads{path: path, entries: map[string]string{}}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &t.entries)
	}
	if t.entries == nil {
		t.entries = map[string]string{}
	}
	return t
}

// Set records threadID's agent prefix (may be "") and persists.
func (t *BotThreads) Set(threadID, agentPrefix string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[threadID] = agentPrefix
	return t.saveLocked()
}

// Get returns the tracked agent prefix for threadID.
func (t *BotThreads) Get(threadID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agent, ok := t.entries[threadID]
	return agent, ok
}

func (t *BotThreads) saveLocked() error {
	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
