package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Backing is an optional durable KV the MemStore mirrors itself into, so a
// workspace with no hosted backend keeps its documents across restarts.
type Backing interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
}

const backingKey = "qoda.memstore"

// MemStore is an in-memory Store with push subscriptions. It backs tests and
// the local demo path, and doubles as the connectivity probe for the queue:
// while SetOffline(true) is in effect every operation fails with
// ErrUnavailable and nothing is delivered to subscribers.
type MemStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	subs    map[int]*subscription
	nextSub int
	offline bool
	backing Backing
}

type subscription struct {
	path string
	fn   func(Change)
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]map[string]any),
		subs: make(map[int]*subscription),
	}
}

// NewBackedMemStore returns a MemStore mirrored into kv, restoring any
// previously mirrored documents.
func NewBackedMemStore(kv Backing) *MemStore {
	s := NewMemStore()
	s.backing = kv
	if raw, ok := kv.GetItem(backingKey); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.docs); err != nil {
			slog.Warn("memstore backing unreadable, starting empty", "err", err)
			s.docs = make(map[string]map[string]any)
		}
	}
	return s
}

// mirror persists the document set. Best-effort; callers hold s.mu.
func (s *MemStore) mirror() {
	if s.backing == nil {
		return
	}
	data, err := json.Marshal(s.docs)
	if err != nil {
		slog.Warn("marshal memstore", "err", err)
		return
	}
	if err := s.backing.SetItem(backingKey, string(data)); err != nil {
		slog.Debug("mirror memstore", "err", err)
	}
}

// SetOffline toggles simulated connectivity loss.
func (s *MemStore) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// Online reports whether the store is reachable.
func (s *MemStore) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.offline
}

func (s *MemStore) Get(ctx context.Context, path string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, ErrUnavailable
	}
	doc, ok := s.docs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return copyFields(doc), nil
}

func (s *MemStore) List(ctx context.Context, collection string) (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, ErrUnavailable
	}
	out := make(map[string]map[string]any)
	for path, doc := range s.docs {
		if ParentCollection(path) == collection {
			out[DocID(path)] = copyFields(doc)
		}
	}
	return out, nil
}

func (s *MemStore) Set(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.docs[path] = copyFields(fields)
	s.mirror()
	notify := s.pending(Change{Kind: ChangePut, Path: path, Fields: copyFields(fields)})
	s.mu.Unlock()
	notify()
	return nil
}

func (s *MemStore) Update(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return ErrUnavailable
	}
	doc, ok := s.docs[path]
	if !ok {
		doc = make(map[string]any)
		s.docs[path] = doc
	}
	for k, v := range fields {
		doc[k] = mergeField(doc[k], v)
	}
	s.mirror()
	notify := s.pending(Change{Kind: ChangePut, Path: path, Fields: copyFields(doc)})
	s.mu.Unlock()
	notify()
	return nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return ErrUnavailable
	}
	delete(s.docs, path)
	s.mirror()
	notify := s.pending(Change{Kind: ChangeDelete, Path: path})
	s.mu.Unlock()
	notify()
	return nil
}

// BatchWrite applies all ops or none. With the store lock held throughout,
// subscribers observe the batch as a unit.
func (s *MemStore) BatchWrite(ctx context.Context, ops []Op) error {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return ErrUnavailable
	}
	for _, op := range ops {
		switch op.Kind {
		case OpSet, OpUpdate, OpDelete:
		default:
			s.mu.Unlock()
			return fmt.Errorf("batch op %q on %s: %w", op.Kind, op.Path, ErrRejected)
		}
	}
	notifiers := make([]func(), 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			s.docs[op.Path] = copyFields(op.Fields)
			notifiers = append(notifiers, s.pending(Change{Kind: ChangePut, Path: op.Path, Fields: copyFields(op.Fields)}))
		case OpUpdate:
			doc, ok := s.docs[op.Path]
			if !ok {
				doc = make(map[string]any)
				s.docs[op.Path] = doc
			}
			for k, v := range op.Fields {
				doc[k] = mergeField(doc[k], v)
			}
			notifiers = append(notifiers, s.pending(Change{Kind: ChangePut, Path: op.Path, Fields: copyFields(doc)}))
		case OpDelete:
			delete(s.docs, op.Path)
			notifiers = append(notifiers, s.pending(Change{Kind: ChangeDelete, Path: op.Path}))
		}
	}
	s.mirror()
	s.mu.Unlock()
	for _, fn := range notifiers {
		fn()
	}
	return nil
}

func (s *MemStore) Subscribe(path string, onChange func(Change)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscription{path: path, fn: onChange}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// pending collects the subscriber callbacks matching a change while the lock
// is held, and returns a closure that fires them after release. Callbacks
// must not run under the store lock: reconciler merge handlers take their
// own lock and may call straight back into the store.
func (s *MemStore) pending(ch Change) func() {
	var fns []func(Change)
	for _, sub := range s.subs {
		if sub.path == ch.Path || sub.path == ParentCollection(ch.Path) {
			fns = append(fns, sub.fn)
		}
	}
	return func() {
		for _, fn := range fns {
			fn(ch)
		}
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
