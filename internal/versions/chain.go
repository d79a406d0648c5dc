// Package versions maintains the append-only version chain of a document:
// full snapshots plus single-level patches against them. Incremental
// snapshots always reference a full snapshot directly, so reconstructing any
// version applies at most one patch.
package versions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/marcus/qoda/internal/models"
	"github.com/marcus/qoda/internal/remote"
)

// DefaultDiffRatio is the patch-size cutoff: an incremental snapshot is kept
// only if its encoded patch is smaller than this fraction of the new
// content. Above it, a fresh full snapshot is cheaper over the life of the
// chain. Tunable policy, not a contract.
const DefaultDiffRatio = 0.8

// CorruptContent is returned in place of content that could not be
// reconstructed (missing or invalid base). Loads never fail on a single bad
// entry; callers always receive a renderable value.
const CorruptContent = "[version content unavailable]"

// Chain reads and writes one project's document version history.
type Chain struct {
	store remote.Store
	ratio float64
	now   func() time.Time
	newID func() string
}

// Option configures a Chain.
type Option func(*Chain)

// WithDiffRatio overrides the patch-size cutoff.
func WithDiffRatio(ratio float64) Option {
	return func(c *Chain) {
		if ratio > 0 {
			c.ratio = ratio
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// NewChain creates a version chain backed by the given store.
func NewChain(store remote.Store, opts ...Option) *Chain {
	c := &Chain{
		store: store,
		ratio: DefaultDiffRatio,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func versionsCollection(documentID string) string {
	return "documents/" + documentID + "/versions"
}

// Save appends a new snapshot of content to documentID's chain and returns
// it. The snapshot is written together with an activity-log entry in a
// single atomic batch.
func (c *Chain) Save(ctx context.Context, documentID, content, authorID string) (*models.Snapshot, error) {
	if documentID == "" {
		return nil, fmt.Errorf("save snapshot: empty document id")
	}

	existing, err := c.fetch(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("save snapshot for %s: %w", documentID, err)
	}

	snap := models.Snapshot{
		ID:         c.newID(),
		DocumentID: documentID,
		Timestamp:  c.now().UTC(),
		AuthorID:   authorID,
		Version:    nextVersion(existing),
		IsFull:     true,
		Content:    content,
	}

	// Diff against the most recent full snapshot. Never against an
	// incremental one: the chain depth must stay exactly 1.
	if base := latestFull(existing); base != nil {
		dmp := diffmatchpatch.New()
		patch := dmp.PatchToText(dmp.PatchMake(base.Content, content))
		if len(patch) < int(c.ratio*float64(len(content))) {
			snap.IsFull = false
			snap.Content = ""
			snap.BaseSnapshotID = base.ID
			snap.Diff = patch
		}
	}

	path := versionsCollection(documentID) + "/" + snap.ID
	ops := []remote.Op{
		{Kind: remote.OpSet, Path: path, Fields: snapshotFields(snap)},
		{Kind: remote.OpSet, Path: "activity/" + c.newID(), Fields: map[string]any{
			"type":        "document.save",
			"document_id": documentID,
			"snapshot_id": snap.ID,
			"author_id":   authorID,
			"at":          snap.Timestamp.Format(time.RFC3339Nano),
		}},
	}
	if err := c.store.BatchWrite(ctx, ops); err != nil {
		return nil, fmt.Errorf("save snapshot for %s: %w", documentID, err)
	}

	slog.Debug("snapshot saved", "doc", documentID, "snap", snap.ID, "full", snap.IsFull, "version", snap.Version)
	return &snap, nil
}

// Load returns up to limit snapshots for documentID, newest first, each with
// Content reconstructed. Entries whose base is missing or whose patch does
// not apply carry CorruptContent instead.
func (c *Chain) Load(ctx context.Context, documentID string, limit int) ([]models.Snapshot, error) {
	all, err := c.fetch(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshots for %s: %w", documentID, err)
	}

	byID := make(map[string]models.Snapshot, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].Version > all[j].Version
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	dmp := diffmatchpatch.New()
	for i := range all {
		if all[i].IsFull {
			continue
		}
		all[i].Content = reconstruct(dmp, all[i], byID)
	}
	return all, nil
}

// reconstruct applies an incremental snapshot's patch to its base.
func reconstruct(dmp *diffmatchpatch.DiffMatchPatch, snap models.Snapshot, byID map[string]models.Snapshot) string {
	base, ok := byID[snap.BaseSnapshotID]
	if !ok || !base.IsFull {
		slog.Warn("snapshot base missing", "doc", snap.DocumentID, "snap", snap.ID, "base", snap.BaseSnapshotID)
		return CorruptContent
	}
	patches, err := dmp.PatchFromText(snap.Diff)
	if err != nil {
		slog.Warn("snapshot patch unreadable", "doc", snap.DocumentID, "snap", snap.ID, "err", err)
		return CorruptContent
	}
	content, applied := dmp.PatchApply(patches, base.Content)
	for _, ok := range applied {
		if !ok {
			slog.Warn("snapshot patch did not apply", "doc", snap.DocumentID, "snap", snap.ID)
			return CorruptContent
		}
	}
	return content
}

func (c *Chain) fetch(ctx context.Context, documentID string) ([]models.Snapshot, error) {
	docs, err := c.store.List(ctx, versionsCollection(documentID))
	if err != nil {
		return nil, err
	}
	snaps := make([]models.Snapshot, 0, len(docs))
	for id, fields := range docs {
		snaps = append(snaps, snapshotFromFields(id, fields))
	}
	return snaps, nil
}

func latestFull(snaps []models.Snapshot) *models.Snapshot {
	var best *models.Snapshot
	for i := range snaps {
		s := &snaps[i]
		if !s.IsFull {
			continue
		}
		if best == nil || s.Timestamp.After(best.Timestamp) ||
			(s.Timestamp.Equal(best.Timestamp) && s.Version > best.Version) {
			best = s
		}
	}
	return best
}

func nextVersion(snaps []models.Snapshot) int64 {
	var max int64
	for _, s := range snaps {
		if s.Version > max {
			max = s.Version
		}
	}
	return max + 1
}

func snapshotFields(s models.Snapshot) map[string]any {
	fields := map[string]any{
		"document_id": s.DocumentID,
		"timestamp":   s.Timestamp.Format(time.RFC3339Nano),
		"author_id":   s.AuthorID,
		"version":     s.Version,
		"is_full":     s.IsFull,
	}
	if s.IsFull {
		fields["content"] = s.Content
	} else {
		fields["base_snapshot_id"] = s.BaseSnapshotID
		fields["diff"] = s.Diff
	}
	return fields
}

func snapshotFromFields(id string, fields map[string]any) models.Snapshot {
	s := models.Snapshot{
		ID:             id,
		DocumentID:     fieldString(fields, "document_id"),
		AuthorID:       fieldString(fields, "author_id"),
		Version:        fieldInt64(fields, "version"),
		IsFull:         fieldBool(fields, "is_full"),
		Content:        fieldString(fields, "content"),
		BaseSnapshotID: fieldString(fields, "base_snapshot_id"),
		Diff:           fieldString(fields, "diff"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fieldString(fields, "timestamp")); err == nil {
		s.Timestamp = ts
	}
	return s
}

func fieldString(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func fieldBool(fields map[string]any, key string) bool {
	v, _ := fields[key].(bool)
	return v
}

// fieldInt64 tolerates the number representations that survive a JSON trip.
func fieldInt64(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
