package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/marcus/qoda/internal/models"
	"github.com/marcus/qoda/internal/remote"
)

// mapKV is an in-memory KV with optional write failure, standing in for the
// capacity-bounded local store.
type mapKV struct {
	data map[string]string
	fail bool
}

func newMapKV() *mapKV { return &mapKV{data: make(map[string]string)} }

func (kv *mapKV) GetItem(key string) (string, bool) {
	v, ok := kv.data[key]
	return v, ok
}

func (kv *mapKV) SetItem(key, value string) error {
	if kv.fail {
		return errors.New("storage full")
	}
	kv.data[key] = value
	return nil
}

// recordingStore records operations in call order and fails selected paths.
type recordingStore struct {
	remote.Store
	calls    []string
	failPath map[string]bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: remote.NewMemStore(), failPath: make(map[string]bool)}
}

func (s *recordingStore) Set(ctx context.Context, path string, fields map[string]any) error {
	s.calls = append(s.calls, "set "+path)
	if s.failPath[path] {
		return remote.ErrUnavailable
	}
	return s.Store.Set(ctx, path, fields)
}

func (s *recordingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	s.calls = append(s.calls, "update "+path)
	if s.failPath[path] {
		return remote.ErrUnavailable
	}
	return s.Store.Update(ctx, path, fields)
}

func (s *recordingStore) Delete(ctx context.Context, path string) error {
	s.calls = append(s.calls, "delete "+path)
	if s.failPath[path] {
		return remote.ErrUnavailable
	}
	return s.Store.Delete(ctx, path)
}

func setRecord(path string) models.MutationRecord {
	return models.MutationRecord{
		Type:   models.MutationSet,
		Path:   path,
		Fields: map[string]any{"content": "x"},
	}
}

func TestEnqueue_DedupeKeepsLatest(t *testing.T) {
	q := New(newMapKV(), newRecordingStore())

	first := setRecord("projects/p1/annotations/a1")
	first.Fields = map[string]any{"content": "first"}
	second := setRecord("projects/p1/annotations/a1")
	second.Fields = map[string]any{"content": "second"}

	if err := q.Enqueue(first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := q.Enqueue(second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	records := q.Records()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Fields["content"] != "second" {
		t.Errorf("retained record should be the later one, got %v", records[0].Fields)
	}
}

func TestEnqueue_UpdateFieldSetsDoNotCollide(t *testing.T) {
	q := New(newMapKV(), newRecordingStore())

	geometry := models.MutationRecord{
		Type:   models.MutationUpdate,
		Path:   "col/a",
		Fields: map[string]any{"x": 50.0, "y": 60.0, "w": 100.0, "h": 40.0},
	}
	content := models.MutationRecord{
		Type:   models.MutationUpdate,
		Path:   "col/a",
		Fields: map[string]any{"content": "first"},
	}

	if err := q.Enqueue(geometry); err != nil {
		t.Fatalf("enqueue geometry: %v", err)
	}
	if err := q.Enqueue(content); err != nil {
		t.Fatalf("enqueue content: %v", err)
	}

	// Updates carrying different field sets are not interchangeable; both
	// must be queued.
	records := q.Records()
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(records), records)
	}
	if records[0].Fields["x"] != 50.0 || records[1].Fields["content"] != "first" {
		t.Errorf("queued records: %+v", records)
	}

	// A repeat of the same field set still dedupes.
	content.Fields = map[string]any{"content": "second"}
	if err := q.Enqueue(content); err != nil {
		t.Fatalf("enqueue content again: %v", err)
	}
	records = q.Records()
	if len(records) != 2 {
		t.Fatalf("same field set should dedupe, got %d records", len(records))
	}
	if records[1].Fields["content"] != "second" {
		t.Errorf("retained content record should be the later one: %+v", records[1])
	}
}

func TestEnqueue_DistinctTargetsKeepOrder(t *testing.T) {
	q := New(newMapKV(), newRecordingStore())

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(setRecord("col/" + id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	records := q.Records()
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, id := range []string{"a", "b", "c"} {
		if records[i].Path != "col/"+id {
			t.Errorf("records[%d].Path = %s, want col/%s", i, records[i].Path, id)
		}
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q := New(newMapKV(), newRecordingStore())

	cases := []models.MutationRecord{
		{Type: models.MutationSet, Fields: map[string]any{"a": 1}},     // missing path
		{Type: models.MutationSet, Path: "col/a"},                      // set without fields
		{Type: "merge", Path: "col/a", Fields: map[string]any{"a": 1}}, // unknown type
	}
	for i, rec := range cases {
		if err := q.Enqueue(rec); !errors.Is(err, ErrInvalidMutation) {
			t.Errorf("case %d: got %v, want ErrInvalidMutation", i, err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("invalid mutations must not be queued, len=%d", q.Len())
	}
}

func TestFlush_StrictOrder(t *testing.T) {
	store := newRecordingStore()
	q := New(newMapKV(), store)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(setRecord("col/" + id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if !q.Flush(context.Background()) {
		t.Fatalf("flush should drain")
	}
	want := []string{"set col/a", "set col/b", "set col/c"}
	if len(store.calls) != len(want) {
		t.Fatalf("calls: got %v", store.calls)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, store.calls[i], want[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty, len=%d", q.Len())
	}
}

func TestFlush_PartialFailureRetainsOrder(t *testing.T) {
	store := newRecordingStore()
	store.failPath["col/a"] = true
	store.failPath["col/c"] = true
	q := New(newMapKV(), store)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(setRecord("col/" + id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if q.Flush(context.Background()) {
		t.Fatalf("flush should report failure")
	}

	records := q.Records()
	if len(records) != 2 {
		t.Fatalf("got %d retained records, want 2", len(records))
	}
	if records[0].Path != "col/a" || records[1].Path != "col/c" {
		t.Errorf("retained order: got %s,%s want col/a,col/c", records[0].Path, records[1].Path)
	}

	// The failed records succeed on the next flush.
	store.failPath = map[string]bool{}
	if !q.Flush(context.Background()) {
		t.Fatalf("second flush should drain")
	}
}

func TestFlush_NoConnectivityIsNoop(t *testing.T) {
	store := newRecordingStore()
	online := false
	q := New(newMapKV(), store, WithConnectivity(func() bool { return online }))

	if err := q.Enqueue(setRecord("col/a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.Flush(context.Background()) {
		t.Fatalf("offline flush must not drain")
	}
	if len(store.calls) != 0 {
		t.Fatalf("offline flush must not touch the store: %v", store.calls)
	}

	online = true
	if !q.Flush(context.Background()) {
		t.Fatalf("online flush should drain")
	}
}

func TestQueue_SurvivesRestart(t *testing.T) {
	kv := newMapKV()
	store := newRecordingStore()

	q := New(kv, store)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(setRecord(fmt.Sprintf("col/%d", i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// New process, same storage.
	q2 := New(kv, store)
	if q2.Len() != 3 {
		t.Fatalf("restored %d records, want 3", q2.Len())
	}
	if !q2.Flush(context.Background()) {
		t.Fatalf("flush after restart should drain")
	}
	if store.calls[0] != "set col/0" || store.calls[2] != "set col/2" {
		t.Errorf("restored order lost: %v", store.calls)
	}
}

func TestEnqueue_ToleratesStorageFailure(t *testing.T) {
	kv := newMapKV()
	kv.fail = true
	q := New(kv, newRecordingStore())

	if err := q.Enqueue(setRecord("col/a")); err != nil {
		t.Fatalf("enqueue must tolerate storage failure, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("record should be held in memory, len=%d", q.Len())
	}
}
