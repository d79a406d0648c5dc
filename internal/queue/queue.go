// Package queue is the durable offline write queue. Mutations that cannot
// reach the remote store are parked here, deduplicated per target and field
// set, and replayed in order on the next flush. Delivery is at-least-once, so every
// queued operation is a full-state write keyed by its target path.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcus/qoda/internal/models"
	"github.com/marcus/qoda/internal/remote"
)

// StorageKey is the single well-known key the serialized queue lives under.
const StorageKey = "qoda.mutation_queue"

// ErrInvalidMutation marks a malformed record that must never be queued;
// retrying it cannot succeed.
var ErrInvalidMutation = errors.New("invalid mutation")

// KV is the synchronous durable storage the queue persists itself to.
// Writes may fail (storage full); the queue degrades to in-memory.
type KV interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
}

// Queue holds pending remote writes across restarts.
type Queue struct {
	mu      sync.Mutex
	kv      KV
	store   remote.Store
	online  func() bool
	records []models.MutationRecord
}

// Option configures a Queue.
type Option func(*Queue)

// WithConnectivity installs a reachability probe consulted before a flush.
func WithConnectivity(online func() bool) Option {
	return func(q *Queue) { q.online = online }
}

// New builds a queue over kv and store, restoring any persisted records.
func New(kv KV, store remote.Store, opts ...Option) *Queue {
	q := &Queue{kv: kv, store: store}
	for _, opt := range opts {
		opt(q)
	}
	if raw, ok := kv.GetItem(StorageKey); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.records); err != nil {
			slog.Warn("mutation queue unreadable, starting empty", "err", err)
			q.records = nil
		}
	}
	return q
}

// Enqueue adds a pending mutation, replacing any queued record with the
// same dedupe key. Validation failures are returned immediately and leave
// the queue untouched.
func (q *Queue) Enqueue(rec models.MutationRecord) error {
	if rec.Path == "" {
		return fmt.Errorf("%w: missing target path", ErrInvalidMutation)
	}
	switch rec.Type {
	case models.MutationSet, models.MutationUpdate:
		if len(rec.Fields) == 0 {
			return fmt.Errorf("%w: %s %s has no fields", ErrInvalidMutation, rec.Type, rec.Path)
		}
	case models.MutationDelete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMutation, rec.Type)
	}

	if rec.DedupeKey == "" {
		rec.DedupeKey = string(rec.Type) + " " + rec.Path
		// An update carries only a subset of the target's fields. Updates
		// touching different field sets are not interchangeable, so the key
		// includes the field names: a queued geometry update must survive a
		// later content update on the same path.
		if rec.Type == models.MutationUpdate {
			keys := make([]string, 0, len(rec.Fields))
			for k := range rec.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rec.DedupeKey += " " + strings.Join(keys, ",")
		}
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.records[:0]
	for _, existing := range q.records {
		if existing.DedupeKey != rec.DedupeKey {
			kept = append(kept, existing)
		}
	}
	q.records = append(kept, rec)
	q.persist()
	slog.Debug("mutation queued", "type", rec.Type, "path", rec.Path, "depth", len(q.records))
	return nil
}

// Flush replays queued mutations strictly in enqueue order. Records that
// fail stay queued in their original relative order; successes are dropped.
// Returns true iff the queue fully drained. A flush with no connectivity is
// a no-op returning false.
func (q *Queue) Flush(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.records) == 0 {
		q.mu.Unlock()
		return true
	}
	if q.online != nil && !q.online() {
		q.mu.Unlock()
		return false
	}
	pending := make([]models.MutationRecord, len(q.records))
	copy(pending, q.records)
	q.mu.Unlock()

	sent := 0
	succeeded := make(map[string]bool, len(pending))
	for _, rec := range pending {
		if err := q.dispatch(ctx, rec); err != nil {
			slog.Debug("flush record failed", "type", rec.Type, "path", rec.Path, "err", err)
			continue
		}
		sent++
		succeeded[flushKey(rec)] = true
	}

	q.mu.Lock()
	// Drop exactly the records that were delivered. Failures keep their
	// relative order, and anything enqueued during the flush survives,
	// including a dedupe replacement of a record we just sent.
	kept := q.records[:0]
	for _, rec := range q.records {
		if !succeeded[flushKey(rec)] {
			kept = append(kept, rec)
		}
	}
	q.records = kept
	q.persist()
	retained := len(q.records)
	q.mu.Unlock()

	slog.Info("queue flushed", "sent", sent, "retained", retained)
	return retained == 0
}

// flushKey identifies one enqueued record instance. A dedupe replacement
// carries a newer EnqueuedAt, so it never matches the record it displaced.
func flushKey(rec models.MutationRecord) string {
	return rec.DedupeKey + "\x00" + rec.EnqueuedAt.Format(time.RFC3339Nano)
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Records returns a copy of the queued records in flush order.
func (q *Queue) Records() []models.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.MutationRecord, len(q.records))
	copy(out, q.records)
	return out
}

func (q *Queue) dispatch(ctx context.Context, rec models.MutationRecord) error {
	switch rec.Type {
	case models.MutationSet:
		return q.store.Set(ctx, rec.Path, rec.Fields)
	case models.MutationUpdate:
		return q.store.Update(ctx, rec.Path, rec.Fields)
	case models.MutationDelete:
		return q.store.Delete(ctx, rec.Path)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMutation, rec.Type)
	}
}

// persist writes the whole queue back under StorageKey. Best-effort: a full
// or failing local store must not take the write path down with it.
// Callers hold q.mu.
func (q *Queue) persist() {
	data, err := json.Marshal(q.records)
	if err != nil {
		slog.Warn("marshal mutation queue", "err", err)
		return
	}
	if err := q.kv.SetItem(StorageKey, string(data)); err != nil {
		slog.Debug("persist mutation queue", "err", err)
	}
}
