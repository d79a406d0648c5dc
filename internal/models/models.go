package models

import "time"

// SyncState is the externally observable save/queue status of the client.
type SyncState string

const (
	SyncIdle   SyncState = "idle"
	SyncSaving SyncState = "saving"
	SyncSaved  SyncState = "saved"
	SyncError  SyncState = "error"
	SyncQueued SyncState = "queued"
)

// MutationType identifies the remote operation a queued mutation performs.
type MutationType string

const (
	MutationSet    MutationType = "set"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Snapshot is one entry in a document's version chain. A full snapshot
// carries the complete content; an incremental snapshot carries a patch
// against a full base snapshot (never against another incremental one).
type Snapshot struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	Timestamp      time.Time `json:"timestamp"`
	AuthorID       string    `json:"author_id"`
	Version        int64     `json:"version"`
	IsFull         bool      `json:"is_full"`
	Content        string    `json:"content,omitempty"`
	BaseSnapshotID string    `json:"base_snapshot_id,omitempty"`
	Diff           string    `json:"diff,omitempty"`
}

// MutationRecord is a pending remote write held in the local queue.
// Payload is the full desired state of the target, so replay is idempotent.
type MutationRecord struct {
	Type       MutationType   `json:"type"`
	DedupeKey  string         `json:"dedupe_key"`
	Path       string         `json:"path"`
	Fields     map[string]any `json:"fields,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Position is a canvas position in document coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a canvas extent in document coordinates.
type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// LiveObject is a shared annotation card: freely draggable, resizable and
// editable by its owner, visible to teammates per Shared/Scope rules.
type LiveObject struct {
	ID       string   `json:"id"`
	OwnerID  string   `json:"owner_id"`
	Position Position `json:"position"`
	Size     Size     `json:"size"`
	Content  string   `json:"content"`
	Style    string   `json:"style,omitempty"`
	Shared   bool     `json:"shared"`
	Scope    string   `json:"scope"`
}

// Config holds the workspace settings stored in .qoda/config.json.
// Zero values fall back to defaults via the accessors in internal/config.
type Config struct {
	RemoteURL      string  `json:"remote_url,omitempty"`
	AuthorID       string  `json:"author_id,omitempty"`
	ProjectID      string  `json:"project_id,omitempty"`
	TeamVisibility *bool   `json:"team_visibility,omitempty"` // nil = true
	DebounceMS     int     `json:"debounce_ms,omitempty"`     // content-edit commit delay
	SavedHoldMS    int     `json:"saved_hold_ms,omitempty"`   // saved -> idle revert delay
	DiffRatio      float64 `json:"diff_ratio,omitempty"`      // patch/content size cutoff
}
