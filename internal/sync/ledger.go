package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
)

// ledgerDocument is the on-disk shape of the revision ledger.
type ledgerDocument struct {
	Revisions       map[string]int64 `json:"revisions"`
	LastSeenVersion int64            `json:"lastSeenVersion"`
	UpdatedAt       int64            `json:"updatedAt"`
}

// RevisionLedger tracks the last applied revision per note and the last seen
// changelog version. It is persisted synchronously after every mutation; the
// volume is one sync operation at a time, and not losing track of applied
// revisions matters more than write amplification.
type RevisionLedger struct {
	mu     stdsync.Mutex
	path   string
	doc    ledgerDocument
	clock  func() time.Time
	logger *zap.Logger
}

// LoadRevisionLedger reads the ledger file at path. A missing or unreadable
// file degrades to an empty ledger: every remote change is then treated as
// new, which costs redundant downloads but never data.
func LoadRevisionLedger(path string, clock func() time.Time, logger *zap.Logger) *RevisionLedger {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ledger := &RevisionLedger{
		path:   path,
		clock:  clock,
		logger: logger,
		doc: ledgerDocument{
			Revisions: make(map[string]int64),
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ledger
	}
	if err != nil {
		logger.Warn("revision ledger unreadable, starting empty",
			zap.String("path", path), zap.Error(err))
		return ledger
	}

	var doc ledgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("revision ledger corrupt, starting empty",
			zap.String("path", path), zap.Error(err))
		return ledger
	}
	if doc.Revisions == nil {
		doc.Revisions = make(map[string]int64)
	}
	ledger.doc = doc
	return ledger
}

// Get returns the last applied revision for the note, or 0 when unknown.
func (l *RevisionLedger) Get(noteID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Revisions[noteID]
}

// Set records the applied revision for the note.
func (l *RevisionLedger) Set(noteID string, rev int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.Revisions[noteID] = rev
}

// Forget drops the per-note entry, used when an orphaned remote object is
// cleaned up.
func (l *RevisionLedger) Forget(noteID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.doc.Revisions, noteID)
}

// LastSeenVersion returns the changelog version up to which entries have
// been applied.
func (l *RevisionLedger) LastSeenVersion() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.LastSeenVersion
}

// SetLastSeenVersion advances the changelog watermark.
func (l *RevisionLedger) SetLastSeenVersion(version int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.LastSeenVersion = version
}

// Reset replaces the whole ledger, used after a full restore resynchronizes
// against a bundle.
func (l *RevisionLedger) Reset(revisions map[string]int64, lastSeenVersion int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := make(map[string]int64, len(revisions))
	for noteID, rev := range revisions {
		copied[noteID] = rev
	}
	l.doc.Revisions = copied
	l.doc.LastSeenVersion = lastSeenVersion
}

// Persist writes the ledger atomically via a temp file rename.
func (l *RevisionLedger) Persist() error {
	l.mu.Lock()
	l.doc.UpdatedAt = l.clock().UTC().UnixMilli()
	data, err := json.MarshalIndent(l.doc, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sync: encode revision ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("sync: create ledger directory: %w", err)
	}
	tempPath := l.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("sync: write revision ledger: %w", err)
	}
	if err := os.Rename(tempPath, l.path); err != nil {
		return fmt.Errorf("sync: publish revision ledger: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the per-note revisions, used when building a
// bundle.
func (l *RevisionLedger) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := make(map[string]int64, len(l.doc.Revisions))
	for noteID, rev := range l.doc.Revisions {
		copied[noteID] = rev
	}
	return copied
}
