// Package reconcile merges the remote push feed of shared live objects with
// the viewer's in-flight local edits. Local state the user is actively
// producing (a drag in progress, unsaved keystrokes) always wins over a
// stale remote echo; everything else adopts the authoritative remote value.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marcus/qoda/internal/models"
	"github.com/marcus/qoda/internal/queue"
	"github.com/marcus/qoda/internal/remote"
	"github.com/marcus/qoda/internal/status"
)

// DefaultDebounce is the content-edit commit delay.
const DefaultDebounce = 2 * time.Second

var (
	// ErrNotOwner marks a mutation attempted by a non-owner. The object is
	// left untouched.
	ErrNotOwner = errors.New("not the object owner")
	// ErrUnknownObject marks a mutation against an id with no local shadow.
	ErrUnknownObject = errors.New("unknown object")
)

// dragSession holds the transient state of one drag/resize gesture.
type dragSession struct {
	offsetX float64
	offsetY float64
}

// shadow is the local view of one live object plus its edit state.
type shadow struct {
	obj        models.LiveObject
	dirty      map[string]bool // field name -> unsaved local edit
	session    *dragSession    // non-nil while a gesture is in progress
	optimistic bool            // created locally, not yet echoed by the feed
}

// Options configures a Reconciler.
type Options struct {
	ViewerID    string
	Scope       string // current document+category scope
	Collection  string // remote collection holding the objects
	TeamVisible bool   // viewer's team-visibility setting
	Debounce    time.Duration
}

// Reconciler owns the shadow state for one attached view.
type Reconciler struct {
	store remote.Store
	queue *queue.Queue
	stat  *status.Coordinator
	opts  Options

	mu      sync.Mutex
	shadows map[string]*shadow
	timers  map[string]*time.Timer // id+"\x00"+field -> pending commit
	unsub   func()
	closed  bool
}

// New creates a reconciler. Attach must be called before the remote feed is
// observed.
func New(store remote.Store, q *queue.Queue, stat *status.Coordinator, opts Options) *Reconciler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Reconciler{
		store:   store,
		queue:   q,
		stat:    stat,
		opts:    opts,
		shadows: make(map[string]*shadow),
		timers:  make(map[string]*time.Timer),
	}
}

// Attach subscribes to the remote collection feed.
func (r *Reconciler) Attach(ctx context.Context) error {
	unsub, err := r.store.Subscribe(r.opts.Collection, r.applyRemote)
	if err != nil {
		return fmt.Errorf("attach to %s: %w", r.opts.Collection, err)
	}
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
	return nil
}

// Close tears down the subscription and cancels pending commit timers.
// Remote updates arriving after Close are dropped.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	unsub := r.unsub
	r.unsub = nil
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// applyRemote is the push-feed handler. The feed may deliver updates out of
// causal order relative to the viewer's own pending edits; session and
// dirty-field shadowing keep those from being clobbered.
func (r *Reconciler) applyRemote(ch remote.Change) {
	id := remote.DocID(ch.Path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if ch.Kind == remote.ChangeDelete {
		delete(r.shadows, id)
		return
	}

	incoming := objectFromFields(id, ch.Fields)
	s, ok := r.shadows[id]
	if !ok {
		r.shadows[id] = &shadow{obj: incoming}
		return
	}

	// The authoritative copy has appeared; the optimistic one retires.
	s.optimistic = false

	merged := incoming
	if s.session != nil {
		// Mid-gesture: the pointer is the source of truth for geometry.
		merged.Position = s.obj.Position
		merged.Size = s.obj.Size
	}
	for field := range s.dirty {
		switch field {
		case "content":
			merged.Content = s.obj.Content
		case "style":
			merged.Style = s.obj.Style
		}
	}
	s.obj = merged
}

// Objects returns the objects visible to the viewer, sorted by id. The
// returned values are copies; mutations go through the owner methods.
func (r *Reconciler) Objects() []models.LiveObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LiveObject, 0, len(r.shadows))
	for _, s := range r.shadows {
		if r.visible(s.obj) {
			out = append(out, s.obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reconciler) visible(obj models.LiveObject) bool {
	if obj.OwnerID == r.opts.ViewerID {
		return true
	}
	return obj.Shared && obj.Scope == r.opts.Scope && r.opts.TeamVisible
}

// Create adds a locally created object and writes it to the store. The
// shadow is retained as optimistic until the feed echoes it back.
func (r *Reconciler) Create(ctx context.Context, obj models.LiveObject) error {
	if obj.ID == "" {
		return fmt.Errorf("%w: create without id", ErrUnknownObject)
	}
	obj.OwnerID = r.opts.ViewerID
	if obj.Scope == "" {
		obj.Scope = r.opts.Scope
	}

	r.mu.Lock()
	r.shadows[obj.ID] = &shadow{obj: obj, optimistic: true}
	r.mu.Unlock()

	_, err := r.write(ctx, models.MutationSet, r.path(obj.ID), objectFields(obj))
	return err
}

// BeginSession starts a drag/resize gesture at the given pointer position.
// Only the owner may start one.
func (r *Reconciler) BeginSession(id string, pointerX, pointerY float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id)
	if err != nil {
		return err
	}
	s.session = &dragSession{
		offsetX: pointerX - s.obj.Position.X,
		offsetY: pointerY - s.obj.Position.Y,
	}
	return nil
}

// Move updates the object position from the current pointer position.
// Local only; no network traffic at event rate.
func (r *Reconciler) Move(id string, pointerX, pointerY float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id)
	if err != nil {
		return err
	}
	if s.session == nil {
		return fmt.Errorf("move %s: no active session", id)
	}
	s.obj.Position = models.Position{
		X: pointerX - s.session.offsetX,
		Y: pointerY - s.session.offsetY,
	}
	return nil
}

// Resize updates the object size during a gesture. Local only.
func (r *Reconciler) Resize(id string, w, h float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id)
	if err != nil {
		return err
	}
	if s.session == nil {
		return fmt.Errorf("resize %s: no active session", id)
	}
	s.obj.Size = models.Size{W: w, H: h}
	return nil
}

// EndSession finishes the gesture and issues exactly one persistence call
// carrying the final geometry. A hundred pointer moves collapse into this
// single write.
func (r *Reconciler) EndSession(ctx context.Context, id string) error {
	r.mu.Lock()
	s, err := r.owned(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if s.session == nil {
		r.mu.Unlock()
		return fmt.Errorf("end session %s: no active session", id)
	}
	s.session = nil
	fields := map[string]any{
		"x": s.obj.Position.X,
		"y": s.obj.Position.Y,
		"w": s.obj.Size.W,
		"h": s.obj.Size.H,
	}
	r.mu.Unlock()

	_, err = r.write(ctx, models.MutationUpdate, r.path(id), fields)
	return err
}

// Edit applies a keystroke-level change to a text field ("content" or
// "style"), marks it dirty, and rearms the commit timer.
func (r *Reconciler) Edit(id, field, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(id)
	if err != nil {
		return err
	}
	switch field {
	case "content":
		s.obj.Content = value
	case "style":
		s.obj.Style = value
	default:
		return fmt.Errorf("edit %s: unknown field %q", id, field)
	}
	if s.dirty == nil {
		s.dirty = make(map[string]bool)
	}
	s.dirty[field] = true

	key := id + "\x00" + field
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(r.opts.Debounce, func() {
		r.commitField(context.Background(), id, field)
	})
	return nil
}

// Blur forces an immediate commit of a field and cancels its timer. Called
// when the editing control loses focus.
func (r *Reconciler) Blur(ctx context.Context, id, field string) error {
	r.mu.Lock()
	key := id + "\x00" + field
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
	s, ok := r.shadows[id]
	dirty := ok && s.dirty[field]
	r.mu.Unlock()
	if !dirty {
		return nil
	}
	return r.commitField(ctx, id, field)
}

// commitField persists the current value of one dirty field.
func (r *Reconciler) commitField(ctx context.Context, id, field string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	delete(r.timers, id+"\x00"+field)
	s, ok := r.shadows[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	var value string
	switch field {
	case "content":
		value = s.obj.Content
	case "style":
		value = s.obj.Style
	}
	r.mu.Unlock()

	queued, err := r.write(ctx, models.MutationUpdate, r.path(id), map[string]any{field: value})

	r.mu.Lock()
	if s, ok := r.shadows[id]; ok {
		if err == nil && !queued {
			// Clear only if no newer keystroke re-dirtied the field.
			if _, pending := r.timers[id+"\x00"+field]; !pending {
				delete(s.dirty, field)
			}
		}
		// On a queued redirect the flag stays set: the value is pending in
		// the queue and a stale remote echo must still not clobber it.
	}
	r.mu.Unlock()
	return err
}

// Delete removes an owned object locally and remotely.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, err := r.owned(id); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.shadows, id)
	r.mu.Unlock()

	_, err := r.write(ctx, models.MutationDelete, r.path(id), nil)
	return err
}

// write performs a remote operation, routing transient failures to the
// offline queue and reporting the outcome to the status coordinator. queued
// reports whether the write was redirected rather than acknowledged.
func (r *Reconciler) write(ctx context.Context, typ models.MutationType, path string, fields map[string]any) (queued bool, err error) {
	r.stat.WriteStarted()

	switch typ {
	case models.MutationSet:
		err = r.store.Set(ctx, path, fields)
	case models.MutationUpdate:
		err = r.store.Update(ctx, path, fields)
	case models.MutationDelete:
		err = r.store.Delete(ctx, path)
	}

	if err == nil {
		r.stat.WriteSucceeded()
		return false, nil
	}
	if remote.IsTransient(err) {
		qerr := r.queue.Enqueue(models.MutationRecord{Type: typ, Path: path, Fields: fields})
		if qerr != nil {
			r.stat.WriteFailed()
			return false, qerr
		}
		r.stat.WriteQueued()
		return true, nil
	}
	slog.Warn("remote write rejected", "type", typ, "path", path, "err", err)
	r.stat.WriteFailed()
	return false, err
}

// owned returns the shadow for id if the viewer owns it. Callers hold r.mu.
func (r *Reconciler) owned(id string) (*shadow, error) {
	s, ok := r.shadows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	if s.obj.OwnerID != r.opts.ViewerID {
		return nil, fmt.Errorf("%w: %s belongs to %s", ErrNotOwner, id, s.obj.OwnerID)
	}
	return s, nil
}

func (r *Reconciler) path(id string) string {
	return r.opts.Collection + "/" + id
}

func objectFields(obj models.LiveObject) map[string]any {
	return map[string]any{
		"owner_id": obj.OwnerID,
		"x":        obj.Position.X,
		"y":        obj.Position.Y,
		"w":        obj.Size.W,
		"h":        obj.Size.H,
		"content":  obj.Content,
		"style":    obj.Style,
		"shared":   obj.Shared,
		"scope":    obj.Scope,
	}
}

func objectFromFields(id string, fields map[string]any) models.LiveObject {
	obj := models.LiveObject{
		ID:      id,
		OwnerID: stringField(fields, "owner_id"),
		Content: stringField(fields, "content"),
		Style:   stringField(fields, "style"),
		Scope:   stringField(fields, "scope"),
	}
	obj.Shared, _ = fields["shared"].(bool)
	obj.Position = models.Position{X: floatField(fields, "x"), Y: floatField(fields, "y")}
	obj.Size = models.Size{W: floatField(fields, "w"), H: floatField(fields, "h")}
	return obj
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func floatField(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
