package localstore

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty, exceeds
	// storage bounds, or contains characters unsafe for remote paths.
	ErrInvalidNoteID = errors.New("localstore: invalid note id")
)

// NoteID represents a validated note identifier, stable across devices.
type NoteID string

// NewNoteID validates raw input and returns a NoteID. Identifiers appear in
// remote object paths, so path separators are rejected.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, "/\\") {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidNoteID)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// Note models the persisted note row with sync bookkeeping metadata.
//
// ContentHash holds the hash of the content as last published to or applied
// from the remote store; after a local edit it lags Content until the next
// successful upload. UpdatedAtSeconds > SyncedAtSeconds means the row carries
// unsynced local changes.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:500;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null"`
	ContentHash      string `gorm:"column:content_hash;size:64;not null;default:''"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false;index:idx_notes_live"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_notes_updated"`
	SyncedAtSeconds  int64  `gorm:"column:synced_at_s;not null;default:0"`
	LastWriterDevice string `gorm:"column:last_writer_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// HasUnsyncedChanges reports whether the row was modified locally after the
// last successful sync.
func (n Note) HasUnsyncedChanges() bool {
	return n.UpdatedAtSeconds > n.SyncedAtSeconds
}
