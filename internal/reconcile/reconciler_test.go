package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/qoda/internal/models"
	"github.com/marcus/qoda/internal/queue"
	"github.com/marcus/qoda/internal/remote"
	"github.com/marcus/qoda/internal/status"
)

const testCollection = "projects/p1/annotations"

// mapKV is a minimal in-memory KV for the queue.
type mapKV struct{ data map[string]string }

func newMapKV() *mapKV { return &mapKV{data: make(map[string]string)} }

func (kv *mapKV) GetItem(key string) (string, bool) { v, ok := kv.data[key]; return v, ok }
func (kv *mapKV) SetItem(key, value string) error   { kv.data[key] = value; return nil }

// countingStore counts update calls reaching the remote store.
type countingStore struct {
	*remote.MemStore
	updates atomic.Int64
}

func (s *countingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	err := s.MemStore.Update(ctx, path, fields)
	if err == nil {
		s.updates.Add(1)
	}
	return err
}

type fixture struct {
	store *countingStore
	queue *queue.Queue
	stat  *status.Coordinator
	rec   *Reconciler
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := &countingStore{MemStore: remote.NewMemStore()}
	q := queue.New(newMapKV(), store, queue.WithConnectivity(store.Online))
	stat := status.NewCoordinator(10 * time.Millisecond)

	if opts.ViewerID == "" {
		opts.ViewerID = "ana"
	}
	if opts.Scope == "" {
		opts.Scope = "doc1/cat1"
	}
	opts.Collection = testCollection
	if opts.Debounce == 0 {
		opts.Debounce = time.Hour // tests trigger commits explicitly unless stated
	}

	rec := New(store, q, stat, opts)
	if err := rec.Attach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(rec.Close)
	return &fixture{store: store, queue: q, stat: stat, rec: rec}
}

// pushRemote simulates another client writing an object.
func pushRemote(t *testing.T, f *fixture, obj models.LiveObject) {
	t.Helper()
	err := f.store.MemStore.Set(context.Background(), testCollection+"/"+obj.ID, objectFields(obj))
	if err != nil {
		t.Fatalf("push remote %s: %v", obj.ID, err)
	}
}

func findObject(t *testing.T, f *fixture, id string) models.LiveObject {
	t.Helper()
	for _, obj := range f.rec.Objects() {
		if obj.ID == id {
			return obj
		}
	}
	t.Fatalf("object %s not visible", id)
	return models.LiveObject{}
}

func TestApplyRemote_AdoptsCleanState(t *testing.T) {
	f := setup(t, Options{TeamVisible: true})

	pushRemote(t, f, models.LiveObject{
		ID: "a1", OwnerID: "ana", Content: "first pass",
		Position: models.Position{X: 10, Y: 20}, Size: models.Size{W: 200, H: 80},
	})

	obj := findObject(t, f, "a1")
	if obj.Content != "first pass" || obj.Position.X != 10 {
		t.Errorf("clean shadow should adopt remote state fully: %+v", obj)
	}

	// A later remote update replaces everything.
	pushRemote(t, f, models.LiveObject{
		ID: "a1", OwnerID: "ana", Content: "second pass",
		Position: models.Position{X: 30, Y: 40}, Size: models.Size{W: 220, H: 90},
	})
	obj = findObject(t, f, "a1")
	if obj.Content != "second pass" || obj.Position.X != 30 {
		t.Errorf("clean shadow should track remote updates: %+v", obj)
	}
}

func TestApplyRemote_DirtyFieldShielded(t *testing.T) {
	f := setup(t, Options{})

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana", Content: "original"})

	if err := f.rec.Edit("a1", "content", "local unsaved edit"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	// A stale echo arrives carrying old content but new geometry.
	pushRemote(t, f, models.LiveObject{
		ID: "a1", OwnerID: "ana", Content: "original",
		Position: models.Position{X: 99, Y: 77},
	})

	obj := findObject(t, f, "a1")
	if obj.Content != "local unsaved edit" {
		t.Errorf("dirty field clobbered: got %q", obj.Content)
	}
	if obj.Position.X != 99 || obj.Position.Y != 77 {
		t.Errorf("clean fields should adopt remote: %+v", obj.Position)
	}
}

func TestApplyRemote_SessionShieldsGeometry(t *testing.T) {
	f := setup(t, Options{})

	pushRemote(t, f, models.LiveObject{
		ID: "a1", OwnerID: "ana",
		Position: models.Position{X: 10, Y: 10}, Size: models.Size{W: 100, H: 50},
	})

	if err := f.rec.BeginSession("a1", 15, 15); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := f.rec.Move("a1", 115, 215); err != nil {
		t.Fatalf("move: %v", err)
	}

	// Remote echo with stale geometry mid-drag.
	pushRemote(t, f, models.LiveObject{
		ID: "a1", OwnerID: "ana", Content: "note from teammate view",
		Position: models.Position{X: 10, Y: 10}, Size: models.Size{W: 100, H: 50},
	})

	obj := findObject(t, f, "a1")
	if obj.Position.X != 110 || obj.Position.Y != 210 {
		t.Errorf("in-session geometry clobbered: %+v", obj.Position)
	}
	if obj.Content != "note from teammate view" {
		t.Errorf("non-geometry fields should adopt remote: %q", obj.Content)
	}
}

func TestEndSession_SingleWrite(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana", Size: models.Size{W: 100, H: 50}})

	if err := f.rec.BeginSession("a1", 0, 0); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for i := 1; i <= 100; i++ {
		if err := f.rec.Move("a1", float64(i), float64(2*i)); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if err := f.rec.EndSession(ctx, "a1"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	if got := f.store.updates.Load(); got != 1 {
		t.Fatalf("got %d update calls, want exactly 1", got)
	}
	fields, err := f.store.Get(ctx, testCollection+"/a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fields["x"] != 100.0 || fields["y"] != 200.0 {
		t.Errorf("final coordinates: got x=%v y=%v, want 100/200", fields["x"], fields["y"])
	}
	if f.stat.State() != models.SyncSaved {
		t.Errorf("state: got %s, want saved", f.stat.State())
	}
}

func TestOfflineDrag_QueuesOneMutation(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana"})

	f.store.SetOffline(true)

	if err := f.rec.BeginSession("a1", 0, 0); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for i := 1; i <= 100; i++ {
		if err := f.rec.Move("a1", float64(i), float64(i)); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if err := f.rec.EndSession(ctx, "a1"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	if f.stat.State() != models.SyncQueued {
		t.Fatalf("state: got %s, want queued", f.stat.State())
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue depth: got %d, want 1", f.queue.Len())
	}

	// Reconnect and flush: exactly one position update reaches the store,
	// carrying the final coordinates.
	f.store.SetOffline(false)
	if !f.queue.Flush(ctx) {
		t.Fatalf("flush should drain")
	}
	if got := f.store.updates.Load(); got != 1 {
		t.Fatalf("got %d update calls, want exactly 1", got)
	}
	fields, err := f.store.Get(ctx, testCollection+"/a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fields["x"] != 100.0 || fields["y"] != 100.0 {
		t.Errorf("final coordinates: got x=%v y=%v, want 100/100", fields["x"], fields["y"])
	}
}

func TestOfflineDragAndEdit_BothSurviveFlush(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana", Content: "before"})

	f.store.SetOffline(true)

	// A drag and a content edit on the same object while offline queue two
	// independent mutations; neither may displace the other.
	if err := f.rec.BeginSession("a1", 0, 0); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := f.rec.Move("a1", 50, 60); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := f.rec.EndSession(ctx, "a1"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if err := f.rec.Edit("a1", "content", "edited offline"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := f.rec.Blur(ctx, "a1", "content"); err != nil {
		t.Fatalf("blur: %v", err)
	}

	if f.queue.Len() != 2 {
		t.Fatalf("queue depth: got %d, want 2 (geometry + content)", f.queue.Len())
	}

	f.store.SetOffline(false)

	// A stale echo arriving before the flush must not clobber the edit:
	// the field stays dirty while its value waits in the queue.
	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana", Content: "before"})
	if obj := findObject(t, f, "a1"); obj.Content != "edited offline" {
		t.Errorf("stale echo clobbered queued edit: %q", obj.Content)
	}

	if !f.queue.Flush(ctx) {
		t.Fatalf("flush should drain")
	}

	fields, err := f.store.Get(ctx, testCollection+"/a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fields["x"] != 50.0 || fields["y"] != 60.0 {
		t.Errorf("geometry lost: got x=%v y=%v, want x=50 y=60", fields["x"], fields["y"])
	}
	if fields["content"] != "edited offline" {
		t.Errorf("content lost: got %v, want %q", fields["content"], "edited offline")
	}
}

func TestNonOwnerMutationIsNoop(t *testing.T) {
	f := setup(t, Options{TeamVisible: true})

	pushRemote(t, f, models.LiveObject{
		ID: "b1", OwnerID: "boris", Shared: true, Scope: "doc1/cat1", Content: "hands off",
	})

	if err := f.rec.Edit("b1", "content", "mine now"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("edit: got %v, want ErrNotOwner", err)
	}
	if err := f.rec.BeginSession("b1", 0, 0); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("begin session: got %v, want ErrNotOwner", err)
	}
	if err := f.rec.Delete(context.Background(), "b1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("delete: got %v, want ErrNotOwner", err)
	}

	obj := findObject(t, f, "b1")
	if obj.OwnerID != "boris" || obj.Content != "hands off" {
		t.Errorf("object mutated by non-owner: %+v", obj)
	}
}

func TestVisibility(t *testing.T) {
	f := setup(t, Options{TeamVisible: true})

	pushRemote(t, f, models.LiveObject{ID: "own", OwnerID: "ana", Scope: "elsewhere"})
	pushRemote(t, f, models.LiveObject{ID: "shared-in-scope", OwnerID: "boris", Shared: true, Scope: "doc1/cat1"})
	pushRemote(t, f, models.LiveObject{ID: "shared-other-scope", OwnerID: "boris", Shared: true, Scope: "doc2/cat1"})
	pushRemote(t, f, models.LiveObject{ID: "private", OwnerID: "boris", Scope: "doc1/cat1"})

	var ids []string
	for _, obj := range f.rec.Objects() {
		ids = append(ids, obj.ID)
	}
	want := []string{"own", "shared-in-scope"}
	if len(ids) != len(want) {
		t.Fatalf("visible: got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("visible[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestVisibility_TeamHidden(t *testing.T) {
	f := setup(t, Options{TeamVisible: false})

	pushRemote(t, f, models.LiveObject{ID: "shared", OwnerID: "boris", Shared: true, Scope: "doc1/cat1"})

	if objs := f.rec.Objects(); len(objs) != 0 {
		t.Fatalf("team visibility off should hide teammate objects: %v", objs)
	}
}

func TestCreate_OptimisticUntilEchoed(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	f.store.SetOffline(true)
	err := f.rec.Create(ctx, models.LiveObject{ID: "n1", Content: "new note"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Visible immediately even though the write is queued.
	obj := findObject(t, f, "n1")
	if obj.Content != "new note" || obj.OwnerID != "ana" {
		t.Errorf("optimistic object: %+v", obj)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("queue depth: got %d, want 1", f.queue.Len())
	}

	// The flush echoes the object back through the feed; the optimistic
	// copy is replaced by the authoritative one.
	f.store.SetOffline(false)
	if !f.queue.Flush(ctx) {
		t.Fatalf("flush should drain")
	}
	obj = findObject(t, f, "n1")
	if obj.Content != "new note" {
		t.Errorf("post-echo object: %+v", obj)
	}
}

func TestDebounce_CommitsAfterDelay(t *testing.T) {
	f := setup(t, Options{Debounce: 20 * time.Millisecond})
	ctx := context.Background()

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana", Content: "before"})

	if err := f.rec.Edit("a1", "content", "after"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fields, err := f.store.Get(ctx, testCollection+"/a1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if fields["content"] == "after" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("debounced commit never reached the store: %v", fields)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBlur_CommitsImmediately(t *testing.T) {
	f := setup(t, Options{}) // hour-long debounce; only blur can commit
	ctx := context.Background()

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana", Content: "before"})

	if err := f.rec.Edit("a1", "content", "after"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := f.rec.Blur(ctx, "a1", "content"); err != nil {
		t.Fatalf("blur: %v", err)
	}

	fields, err := f.store.Get(ctx, testCollection+"/a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fields["content"] != "after" {
		t.Errorf("blur should commit immediately: %v", fields["content"])
	}
}

func TestClose_DropsLateUpdates(t *testing.T) {
	f := setup(t, Options{})

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana", Content: "v1"})
	f.rec.Close()

	// MemStore unsubscribes on Close, so this must not reach the shadow;
	// even a handler already in flight would be dropped by the closed flag.
	err := f.store.MemStore.Set(context.Background(), testCollection+"/a1",
		objectFields(models.LiveObject{ID: "a1", OwnerID: "ana", Content: "v2"}))
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	if objs := f.rec.Objects(); len(objs) != 1 || objs[0].Content != "v1" {
		t.Errorf("late update applied after close: %v", objs)
	}
}

func TestRemoteDelete_RemovesShadow(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	pushRemote(t, f, models.LiveObject{ID: "a1", OwnerID: "ana"})
	if err := f.store.MemStore.Delete(ctx, testCollection+"/a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if objs := f.rec.Objects(); len(objs) != 0 {
		t.Fatalf("remote delete should remove the shadow: %v", objs)
	}
}
