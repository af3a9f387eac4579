package tagsync

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrRetryLater aborts a drain, leaving the current write and everything
// behind it queued. The engine returns it when connectivity drops mid-drain.
var ErrRetryLater = errors.New("retry later")

// WriteKind classifies a pending write.
type WriteKind string

const (
	KindStore       WriteKind = "store"
	KindAppend      WriteKind = "append"
	KindRemoveFirst WriteKind = "removeFirst"
	KindClear       WriteKind = "clear"
)

// PendingWrite is one queued offline mutation. IDs are ULIDs drawn from a
// monotonic source, so lexicographic ID order is enqueue order.
type PendingWrite struct {
	ID         string          `json:"id"`
	Tag        string          `json:"tag"`
	Kind       WriteKind       `json:"kind"`
	Value      json.RawMessage `json:"value,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Queue is the durable, ordered log of writes accepted while disconnected.
//
// Drain applies writes strictly in enqueue order, which preserves per-tag
// FIFO (the invariant); cross-tag order carries no guarantee and callers
// must not rely on it. Persistence is optional and global: enabling the
// journal covers every tag, there is no per-tag scoping.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	writes  []*PendingWrite
	byTag   map[string]int
	entropy *ulid.MonotonicEntropy
	journal string // "" = memory only
}

// NewQueue creates an in-memory queue. Call EnablePersistence to add the
// file journal.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:  logger,
		byTag:   make(map[string]int),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// EnablePersistence attaches a journal file and loads any writes left over
// from a previous process.
func (q *Queue) EnablePersistence(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.journal = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read offline journal: %w", err)
	}
	var writes []*PendingWrite
	if err := json.Unmarshal(data, &writes); err != nil {
		return fmt.Errorf("parse offline journal: %w", err)
	}
	q.writes = writes
	q.byTag = make(map[string]int)
	for _, w := range writes {
		q.byTag[w.Tag]++
	}
	q.logger.Info("offline journal loaded", "path", path, "pending", len(writes))
	return nil
}

// Enqueue appends a write to the log. A persistence failure is returned to
// the caller; the write is not retained in that case, so the failure is
// fatal to the operation rather than silently dropped later.
func (q *Queue) Enqueue(tag string, kind WriteKind, value json.RawMessage) (*PendingWrite, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := &PendingWrite{
		ID:         ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String(),
		Tag:        tag,
		Kind:       kind,
		Value:      value,
		EnqueuedAt: time.Now().UTC(),
	}
	q.writes = append(q.writes, w)
	q.byTag[tag]++

	if err := q.saveLocked(); err != nil {
		q.writes = q.writes[:len(q.writes)-1]
		q.byTag[tag]--
		return nil, err
	}
	return w, nil
}

// HasPending reports whether any queued write targets tag. Online
// operations on such a tag must queue behind it to preserve causal order.
func (q *Queue) HasPending(tag string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byTag[tag] > 0
}

// Len returns the number of queued writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.writes)
}

// Tags returns the distinct tags with at least one queued write.
func (q *Queue) Tags() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	tags := make([]string, 0, len(q.byTag))
	for tag, n := range q.byTag {
		if n > 0 {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Drain applies queued writes in enqueue order until the queue is empty or
// apply returns ErrRetryLater. Any other error from apply is treated as a
// permanent rejection of that single write: the write is dropped and
// draining continues with the next one. The caller reports the rejection;
// one bad write never blocks the rest of the queue.
func (q *Queue) Drain(ctx context.Context, apply func(context.Context, *PendingWrite) error) {
	for {
		if ctx.Err() != nil {
			return
		}
		w := q.head()
		if w == nil {
			return
		}
		if err := apply(ctx, w); errors.Is(err, ErrRetryLater) {
			return
		}
		q.remove(w.ID)
	}
}

func (q *Queue) head() *PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.writes) == 0 {
		return nil
	}
	return q.writes[0]
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.writes {
		if w.ID == id {
			q.writes = append(q.writes[:i], q.writes[i+1:]...)
			q.byTag[w.Tag]--
			break
		}
	}
	if err := q.saveLocked(); err != nil {
		// The write already applied remotely; a journal that is behind
		// only risks a duplicate replay after a crash.
		q.logger.Warn("offline journal update failed", "error", err)
	}
}

// saveLocked rewrites the journal atomically. Callers hold q.mu.
func (q *Queue) saveLocked() error {
	if q.journal == "" {
		return nil
	}
	data, err := json.MarshalIndent(q.writes, "", "  ")
	if err != nil {
		return fmt.Errorf("encode offline journal: %w", err)
	}
	tmp := q.journal + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.journal), 0o700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write offline journal: %w", err)
	}
	if err := os.Rename(tmp, q.journal); err != nil {
		return fmt.Errorf("replace offline journal: %w", err)
	}
	return nil
}
