package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const defaultBackupsPerNote = 10

// BackupManager keeps local copies of a note's previous remote versions.
// The directory is exclusively owned by this process; the newest N backups
// per note are retained.
type BackupManager struct {
	dir    string
	keep   int
	logger *zap.Logger
}

// NewBackupManager constructs a BackupManager rooted at dir.
func NewBackupManager(dir string, keep int, logger *zap.Logger) (*BackupManager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("sync: backup directory is required")
	}
	if keep <= 0 {
		keep = defaultBackupsPerNote
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sync: create backup directory: %w", err)
	}
	return &BackupManager{dir: dir, keep: keep, logger: logger}, nil
}

// Write stores a backup for the note and prunes older backups past the
// retention limit.
func (b *BackupManager) Write(noteID string, timestampMillis int64, content []byte) error {
	name := fmt.Sprintf("%s%s-%d%s", notePrefix, noteID, timestampMillis, backupSuffix)
	if err := os.WriteFile(filepath.Join(b.dir, name), content, 0o644); err != nil {
		return fmt.Errorf("sync: write local backup for %s: %w", noteID, err)
	}
	b.prune(noteID)
	return nil
}

// List returns the backup file names for the note, newest first.
func (b *BackupManager) List(noteID string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("sync: read backup directory: %w", err)
	}
	prefix := fmt.Sprintf("%s%s-", notePrefix, noteID)
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, backupSuffix) {
			names = append(names, name)
		}
	}
	// Timestamps are fixed-width for any realistic clock, so lexical order
	// matches chronological order.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (b *BackupManager) prune(noteID string) {
	names, err := b.List(noteID)
	if err != nil {
		b.logger.Warn("backup pruning skipped", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	for _, name := range names[min(len(names), b.keep):] {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
			b.logger.Warn("backup removal failed", zap.String("file", name), zap.Error(err))
		}
	}
}
