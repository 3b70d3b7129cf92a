package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Xperiamol/flashnote-sync/internal/remote"
)

// RemoteMeta is the side-car record published next to every content object.
// It may exist without its content object only transiently, across the crash
// window between content MOVE and meta PUT; the repair path handles that.
type RemoteMeta struct {
	NoteID         string `json:"note_id"`
	Hash           string `json:"hash"`
	LastModifiedBy string `json:"last_modified_by"`
	LastModifiedAt int64  `json:"last_modified_at"`
}

func readMeta(ctx context.Context, store remote.ObjectStore, noteID string) (*RemoteMeta, error) {
	data, err := store.Get(ctx, metaPath(noteID))
	if err != nil {
		return nil, err
	}
	var meta RemoteMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("sync: decode meta for %s: %w", noteID, err)
	}
	if meta.NoteID == "" {
		meta.NoteID = noteID
	}
	return &meta, nil
}

func writeMeta(ctx context.Context, store remote.ObjectStore, meta RemoteMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("sync: encode meta for %s: %w", meta.NoteID, err)
	}
	return store.Put(ctx, metaPath(meta.NoteID), data)
}
