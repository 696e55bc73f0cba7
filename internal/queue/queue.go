// Package queue implements the crash-safe, multi-writer/multi-reader file
// queue described by the bus spec: sibling incoming/processing/outgoing/
// dead-letter/cancel directories on one filesystem, coordinated entirely
// through atomic rename and mtime-based staleness recovery — no
// cross-process lock is needed for the message path (the session store
// in internal/sessions is the one thing that does need a lock).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eunjae-lee/tinyclaw/internal/bus"
)

// DefaultMaxRetryCount is how many times a message is retried before being
// routed to dead-letter.
const DefaultMaxRetryCount = 3

// DefaultStaleAfter is how long a file may sit in processing/ before the
// dispatcher treats its claim as abandoned by a crashed process.
const DefaultStaleAfter = 15 * time.Minute

// DefaultPollInterval is the queue's polling cadence when no filesystem
// notification arrives.
const DefaultPollInterval = 1 * time.Second

const (
	dirIncoming   = "incoming"
	dirProcessing = "processing"
	dirOutgoing   = "outgoing"
	dirDeadLetter = "dead-letter"
	dirCancel     = "cancel"
	dirTmp        = "tmp" // sibling scratch dir on the same filesystem, for write-then-rename
)

// Queue is a handle on one queue directory tree rooted at Root.
type Queue struct {
	Root           string
	MaxRetryCount  int
	StaleAfter     time.Duration
}

// New creates a Queue rooted at root, creating every required
// subdirectory if absent. Safe to call from multiple processes
// concurrently (MkdirAll is idempotent).
func New(root string) (*Queue, error) {
	q := &Queue{
		Root:          root,
		MaxRetryCount: DefaultMaxRetryCount,
		StaleAfter:    DefaultStaleAfter,
	}
	for _, d := range []string{dirIncoming, dirProcessing, dirOutgoing, dirDeadLetter, dirCancel, dirTmp} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("queue: create %s: %w", d, err)
		}
	}
	return q, nil
}

func (q *Queue) path(dir, name string) string { return filepath.Join(q.Root, dir, name) }

// writeAtomic writes data to a temp file under tmp/ then renames it into
// dir/name. Readers must never observe a partially-written file because
// the rename is the only thing that makes the file visible under its
// final name.
func (q *Queue) writeAtomic(dir, name string, data []byte) error {
	tmp := filepath.Join(q.Root, dirTmp, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("queue: write temp file: %w", err)
	}
	if err := os.Rename(tmp, q.path(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("queue: rename into %s: %w", dir, err)
	}
	return nil
}

// messageFilename builds the incoming/processing filename: channel prefix
// plus an epoch-and-random suffix for uniqueness, per §4.1.
func messageFilename(channel string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s.json", channel, now.UnixMilli(), uuid.NewString()[:8])
}

// Enqueue writes msg into incoming/ via write-temp-then-rename. Called by
// producers (channel adapters).
func (q *Queue) Enqueue(msg bus.Message) error {
	if msg.MessageID == "" {
		return fmt.Errorf("queue: enqueue: messageId is required")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	name := messageFilename(msg.Channel, time.UnixMilli(msg.Timestamp))
	return q.writeAtomic(dirIncoming, name, data)
}

// Claimed wraps a message claimed into processing/, tracking the basename
// so Complete/Fail can find it again.
type Claimed struct {
	Message  bus.Message
	Basename string
}

// Claim lists incoming/, orders by modification time, and attempts to
// rename the oldest candidates into processing/ one at a time. The
// rename succeeding is the claim; a vanished file (raced away by another
// dispatcher) is silently skipped. Returns (nil, false, nil) if nothing
// is currently claimable.
func (q *Queue) Claim(_ context.Context) (*Claimed, bool, error) {
	entries, err := readSortedByModTime(filepath.Join(q.Root, dirIncoming))
	if err != nil {
		return nil, false, fmt.Errorf("queue: list incoming: %w", err)
	}

	for _, name := range entries {
		if filepath.Ext(name) != ".json" {
			continue
		}
		src := q.path(dirIncoming, name)
		dst := q.path(dirProcessing, name)
		if err := os.Rename(src, dst); err != nil {
			// Another dispatcher claimed it first, or it was removed; try the next one.
			continue
		}
		data, err := os.ReadFile(dst)
		if err != nil {
			// Corrupt/vanished after claim: treat as a failed attempt so it
			// still goes through the retry/dead-letter path rather than
			// being silently lost.
			slog.Warn("queue: claimed file unreadable", "name", name, "error", err)
			_ = q.Fail(&Claimed{Basename: name}, err)
			continue
		}
		var msg bus.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("queue: claimed file corrupt json", "name", name, "error", err)
			_ = q.Fail(&Claimed{Basename: name}, err)
			continue
		}
		return &Claimed{Message: msg, Basename: name}, true, nil
	}
	return nil, false, nil
}

// readSortedByModTime returns plain filenames (not paths) in dir, oldest
// mtime first. Missing dir or disappearing entries are tolerated.
func readSortedByModTime(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type fi struct {
		name string
		mod  time.Time
	}
	files := make([]fi, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // vanished between ReadDir and Info; skip
		}
		files = append(files, fi{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.name
	}
	return out, nil
}

// responseFilename builds the outgoing final-response filename per §4.1:
// "<channel>_<messageId>_<epoch>.json" for channel responses.
func responseFilename(channel, messageID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d.json", channel, messageID, now.UnixMilli())
}

// Complete writes resp into outgoing/ and deletes the claimed processing
// file. Called on successful invocation.
func (q *Queue) Complete(c *Claimed, resp bus.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("queue: marshal response: %w", err)
	}
	name := responseFilename(resp.Channel, resp.MessageID, time.Now())
	if err := q.writeAtomic(dirOutgoing, name, data); err != nil {
		return err
	}
	if err := os.Remove(q.path(dirProcessing, c.Basename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: remove processing file: %w", err)
	}
	return nil
}

// PublishResponse writes resp into outgoing/ without touching the
// processing file. Used on the failure path per §4.2: the user still
// sees an error response, but the processing file goes through Fail's
// retry/dead-letter accounting rather than being deleted as if the
// invocation had succeeded.
func (q *Queue) PublishResponse(resp bus.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("queue: marshal response: %w", err)
	}
	name := responseFilename(resp.Channel, resp.MessageID, time.Now())
	return q.writeAtomic(dirOutgoing, name, data)
}

// Fail increments retryCount on the processing file in place and routes
// it back to incoming/ (retry) or dead-letter/ (retries exhausted). If
// the processing file's JSON is unreadable it is routed to dead-letter
// directly rather than looping forever on a file that will never parse.
func (q *Queue) Fail(c *Claimed, cause error) error {
	maxRetry := q.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetryCount
	}

	src := q.path(dirProcessing, c.Basename)
	data, readErr := os.ReadFile(src)
	var msg bus.Message
	if readErr == nil {
		if err := json.Unmarshal(data, &msg); err != nil {
			readErr = err
		}
	}
	if readErr != nil {
		slog.Warn("queue: fail: processing file unreadable, routing to dead-letter", "name", c.Basename, "error", readErr)
		return q.moveRaw(src, q.path(dirDeadLetter, c.Basename))
	}

	msg.RetryCount++
	if cause != nil {
		slog.Warn("queue: invocation failed", "message_id", msg.MessageID, "retry_count", msg.RetryCount, "error", cause)
	}

	updated, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal retried message: %w", err)
	}
	if err := os.WriteFile(src, updated, 0o644); err != nil {
		return fmt.Errorf("queue: rewrite processing file: %w", err)
	}

	if msg.RetryCount < maxRetry {
		return os.Rename(src, q.path(dirIncoming, c.Basename))
	}
	slog.Warn("queue: retries exhausted, routing to dead-letter", "message_id", msg.MessageID, "retry_count", msg.RetryCount)
	return os.Rename(src, q.path(dirDeadLetter, c.Basename))
}

func (q *Queue) moveRaw(src, dst string) error {
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: move %s -> %s: %w", src, dst, err)
	}
	return nil
}

// RecoverStuck scans processing/ for files whose mtime is older than
// staleAfter and routes each through the same retry/dead-letter rule as
// Fail — this is the sole recovery mechanism for a dispatcher that
// crashed between claim and response. Returns the count of files
// recovered.
func (q *Queue) RecoverStuck(staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = q.StaleAfter
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	dir := filepath.Join(q.Root, dirProcessing)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: list processing: %w", err)
	}

	now := time.Now()
	recovered := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < staleAfter {
			continue
		}
		slog.Warn("queue: recovering stuck processing file", "name", e.Name(), "age", now.Sub(info.ModTime()))
		if err := q.Fail(&Claimed{Basename: e.Name()}, fmt.Errorf("stuck in processing for %s", now.Sub(info.ModTime()))); err != nil {
			slog.Error("queue: failed to recover stuck file", "name", e.Name(), "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// streamingFilename is stable per (channel, messageId) so repeated writes
// overwrite the same file instead of accumulating new ones.
func streamingFilename(channel, messageID string) string {
	return fmt.Sprintf("%s_%s.streaming", channel, messageID)
}

// WriteStreamingPartial overwrites (not appends) the .streaming file for
// a message with the latest accumulated text.
func (q *Queue) WriteStreamingPartial(p bus.StreamingPartial) error {
	p.Status = "streaming"
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("queue: marshal streaming partial: %w", err)
	}
	return q.writeAtomic(dirOutgoing, streamingFilename(p.Channel, p.MessageID), data)
}

// DeleteStreamingPartial removes the .streaming file for a message, if
// present. Deletion is tolerant of the file already being gone.
func (q *Queue) DeleteStreamingPartial(channel, messageID string) error {
	err := os.Remove(q.path(dirOutgoing, streamingFilename(channel, messageID)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: delete streaming partial: %w", err)
	}
	return nil
}

// PublishCancel writes a cancel signal file for messageID into cancel/.
func (q *Queue) PublishCancel(messageID string) error {
	sig := bus.CancelSignal{MessageID: messageID, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("queue: marshal cancel signal: %w", err)
	}
	return q.writeAtomic(dirCancel, messageID+".json", data)
}

// ListOutgoing returns the plain filenames currently present in
// outgoing/, for adapters polling for responses/partials.
func (q *Queue) ListOutgoing() ([]string, error) {
	return readSortedByModTime(filepath.Join(q.Root, dirOutgoing))
}

// ReadOutgoingResponse reads and parses a final response file by name.
// It does not delete the file; it stays in outgoing/ until
// DeleteOutgoing removes it.
func (q *Queue) ReadOutgoingResponse(name string) (bus.Response, error) {
	var resp bus.Response
	data, err := os.ReadFile(q.path(dirOutgoing, name))
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("queue: corrupt response file %s: %w", name, err)
	}
	return resp, nil
}

// ReadOutgoingPartial reads a .streaming file by name. Callers must
// tolerate os.IsNotExist — the partial may have been superseded by the
// final response and deleted between listing and reading.
func (q *Queue) ReadOutgoingPartial(name string) (bus.StreamingPartial, error) {
	var p bus.StreamingPartial
	data, err := os.ReadFile(q.path(dirOutgoing, name))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("queue: corrupt streaming partial %s: %w", name, err)
	}
	return p, nil
}

// DeleteOutgoing removes a file from outgoing/ by name, tolerating
// absence (another reader already deleted it).
func (q *Queue) DeleteOutgoing(name string) error {
	err := os.Remove(q.path(dirOutgoing, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PendingCancelMessageIDs lists message IDs that currently have a cancel
// signal published, without consuming them. The dispatcher consults this
// on every in-flight invocation tick.
func (q *Queue) PendingCancelMessageIDs() (map[string]bool, error) {
	entries, err := readSortedByModTime(filepath.Join(q.Root, dirCancel))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, name := range entries {
		if filepath.Ext(name) != ".json" {
			continue
		}
		out[strTrimSuffix(name, ".json")] = true
	}
	return out, nil
}

// ClearCancel removes a consumed cancel signal so a later message reusing
// the same ID (extremely unlikely, but cheap to guard) doesn't
// immediately self-cancel.
func (q *Queue) ClearCancel(messageID string) error {
	err := os.Remove(q.path(dirCancel, messageID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func strTrimSuffix(s, suffix string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}
