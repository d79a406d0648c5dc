// Package remote abstracts the cloud document store the sync core writes to.
// The query and security engine behind it is external; this package only
// defines the point operations, the push feed, and the error taxonomy the
// client cares about.
package remote

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors. The core distinguishes exactly two failure classes:
// transient (worth queueing and replaying) and rejected (retrying cannot
// succeed).
var (
	ErrUnavailable = errors.New("remote store unavailable")
	ErrRejected    = errors.New("remote write rejected")
	ErrNotFound    = errors.New("document not found")
)

// IsTransient reports whether err should be routed to the offline queue.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ChangeKind discriminates push-feed events.
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"    // document created or replaced/merged
	ChangeDelete ChangeKind = "delete" // document removed
)

// Change is one push-feed event for a subscribed path.
type Change struct {
	Kind   ChangeKind
	Path   string
	Fields map[string]any // nil for deletes
}

// OpKind discriminates batch write operations.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is a single operation inside a BatchWrite.
type Op struct {
	Kind   OpKind
	Path   string
	Fields map[string]any
}

// Store is the client-side contract of the remote document store.
// Paths alternate collection/document segments ("projects/p1/annotations/a1");
// List takes a collection path and returns id -> fields for its documents.
// Subscribe delivers changes for a document or for any document in a
// collection; the returned func tears the subscription down.
type Store interface {
	Get(ctx context.Context, path string) (map[string]any, error)
	List(ctx context.Context, collection string) (map[string]map[string]any, error)
	Set(ctx context.Context, path string, fields map[string]any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	BatchWrite(ctx context.Context, ops []Op) error
	Subscribe(path string, onChange func(Change)) (func(), error)
}

// offlineStore is the Store used when no backend is reachable: every
// operation fails transiently, so writes land in the offline queue.
type offlineStore struct{}

// Offline returns a Store for disconnected operation.
func Offline() Store { return offlineStore{} }

func (offlineStore) Get(context.Context, string) (map[string]any, error) { return nil, ErrUnavailable }
func (offlineStore) List(context.Context, string) (map[string]map[string]any, error) {
	return nil, ErrUnavailable
}
func (offlineStore) Set(context.Context, string, map[string]any) error    { return ErrUnavailable }
func (offlineStore) Update(context.Context, string, map[string]any) error { return ErrUnavailable }
func (offlineStore) Delete(context.Context, string) error                 { return ErrUnavailable }
func (offlineStore) BatchWrite(context.Context, []Op) error               { return ErrUnavailable }
func (offlineStore) Subscribe(string, func(Change)) (func(), error)       { return nil, ErrUnavailable }

// arrayUnion and arrayRemove are sentinel values understood by Update:
// atomic add/remove against an array-valued field, used for membership and
// read-receipt style fields.
type arrayUnion struct{ values []any }
type arrayRemove struct{ values []any }

// ArrayUnion returns an Update value that atomically appends the given
// elements to an array field, skipping elements already present.
func ArrayUnion(values ...any) any { return arrayUnion{values: values} }

// ArrayRemove returns an Update value that atomically removes all
// occurrences of the given elements from an array field.
func ArrayRemove(values ...any) any { return arrayRemove{values: values} }

// mergeField resolves an Update value against the current field value,
// expanding the array sentinels. Used by Store implementations that apply
// merges client-side (MemStore) or encode them for the wire (WSStore).
func mergeField(current, incoming any) any {
	switch v := incoming.(type) {
	case arrayUnion:
		arr, _ := current.([]any)
		for _, val := range v.values {
			if !containsValue(arr, val) {
				arr = append(arr, val)
			}
		}
		return arr
	case arrayRemove:
		arr, _ := current.([]any)
		out := make([]any, 0, len(arr))
		for _, existing := range arr {
			if !containsValue(v.values, existing) {
				out = append(out, existing)
			}
		}
		return out
	default:
		return incoming
	}
}

func containsValue(arr []any, val any) bool {
	for _, existing := range arr {
		if existing == val {
			return true
		}
	}
	return false
}

// ParentCollection returns the collection path of a document path
// ("a/b/c/d" -> "a/b/c"). Empty if the path has no parent.
func ParentCollection(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// DocID returns the final segment of a path.
func DocID(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
