package sync

import (
	"fmt"
	"strings"
)

// Remote layout, relative to the application-private root.
const (
	notesDir        = "notes"
	indexDir        = "index"
	snapshotDir     = "snapshot"
	remoteBackupDir = "snapshots"
	changelogPath   = "index/notes-changelog.json"
	bundlePath      = "snapshot/notes-snapshot.bundle"
	bundleTempPath  = "snapshot/notes-snapshot.bundle.tmp"
	notePrefix      = "note-"
	noteSuffix      = ".md"
	metaSuffix      = ".meta.json"
	tempSuffix      = ".tmp"
	backupSuffix    = ".bak"
)

func notePath(noteID string) string {
	return fmt.Sprintf("%s/%s%s%s", notesDir, notePrefix, noteID, noteSuffix)
}

func noteTempPath(noteID string) string {
	return notePath(noteID) + tempSuffix
}

func metaPath(noteID string) string {
	return fmt.Sprintf("%s/%s%s%s", notesDir, notePrefix, noteID, metaSuffix)
}

func remoteBackupPath(noteID string, timestampMillis int64) string {
	return fmt.Sprintf("%s/%s%s-%d%s", remoteBackupDir, notePrefix, noteID, timestampMillis, backupSuffix)
}

// noteIDFromListing extracts the note identifier from a content object name
// returned by a directory listing, or "" when the name is not one.
func noteIDFromListing(name string) string {
	if !strings.HasPrefix(name, notePrefix) || !strings.HasSuffix(name, noteSuffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, notePrefix), noteSuffix)
}
