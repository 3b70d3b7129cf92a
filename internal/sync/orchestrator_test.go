package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Xperiamol/flashnote-sync/internal/localstore"
	"github.com/Xperiamol/flashnote-sync/internal/remote"
)

type harness struct {
	orchestrator *Orchestrator
	store        *remote.MemStore
	local        *localstore.Store
	ledger       *RevisionLedger
	changelog    *ChangelogManager
	snapshots    *SnapshotManager
}

// newHarness builds a fully wired orchestrator around an in-memory object
// store and database. Passing the same MemStore to several harnesses models
// several devices sharing one remote.
func newHarness(t *testing.T, deviceID string, store *remote.MemStore) *harness {
	t.Helper()
	if store == nil {
		store = remote.NewMemStore()
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&localstore.Note{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	local, err := localstore.NewStore(localstore.StoreConfig{Database: db, Clock: fixedClock})
	if err != nil {
		t.Fatalf("failed to construct local store: %v", err)
	}

	dir := t.TempDir()
	ledger := LoadRevisionLedger(filepath.Join(dir, "ledger.json"), fixedClock, nil)
	changelog, err := NewChangelogManager(ChangelogManagerConfig{
		Store:  store,
		Ledger: ledger,
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("failed to construct changelog manager: %v", err)
	}
	snapshots, err := NewSnapshotManager(SnapshotManagerConfig{
		Store:      store,
		Local:      local,
		Ledger:     ledger,
		DeviceID:   deviceID,
		PolicyPath: filepath.Join(dir, "policy.json"),
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("failed to construct snapshot manager: %v", err)
	}
	backups, err := NewBackupManager(filepath.Join(dir, "backups"), 3, nil)
	if err != nil {
		t.Fatalf("failed to construct backup manager: %v", err)
	}

	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Remote:           store,
		Local:            local,
		Ledger:           ledger,
		Changelog:        changelog,
		Snapshots:        snapshots,
		Backups:          backups,
		DeviceID:         deviceID,
		Clock:            fixedClock,
		RestoreBatchSize: 2,
		Sleep:            func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	return &harness{
		orchestrator: orchestrator,
		store:        store,
		local:        local,
		ledger:       ledger,
		changelog:    changelog,
		snapshots:    snapshots,
	}
}

func mustWrite(t *testing.T, h *harness, noteID, content string) {
	t.Helper()
	if err := h.orchestrator.WriteNote(context.Background(), noteID, []byte(content)); err != nil {
		t.Fatalf("failed to write note %s: %v", noteID, err)
	}
	h.orchestrator.Flush()
}

// seedForeignNote plants content and meta directly in the object store, as
// if another, unknown device had published them.
func seedForeignNote(t *testing.T, store *remote.MemStore, noteID, content, device string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Put(ctx, notePath(noteID), []byte(content)); err != nil {
		t.Fatalf("failed to seed note content: %v", err)
	}
	meta := RemoteMeta{
		NoteID:         noteID,
		Hash:           HashContent([]byte(content)),
		LastModifiedBy: device,
		LastModifiedAt: fixedClock().UnixMilli(),
	}
	if err := writeMeta(ctx, store, meta); err != nil {
		t.Fatalf("failed to seed note meta: %v", err)
	}
}

func TestNewOrchestratorValidatesConfig(t *testing.T) {
	if _, err := NewOrchestrator(OrchestratorConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestWriteNotePublishesContentMetaAndChangelog(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "# Plans\nbuy milk")

	content, err := h.store.Get(ctx, notePath("n1"))
	if err != nil {
		t.Fatalf("expected published content: %v", err)
	}
	if string(content) != "# Plans\nbuy milk" {
		t.Fatalf("unexpected remote content: %q", content)
	}
	if h.store.Exists(noteTempPath("n1")) {
		t.Fatalf("temp object should not remain after publication")
	}

	meta, err := readMeta(ctx, h.store, "n1")
	if err != nil {
		t.Fatalf("expected published meta: %v", err)
	}
	if meta.Hash != HashContent(content) {
		t.Fatalf("meta hash %s does not match content", meta.Hash)
	}
	if meta.LastModifiedBy != "device-a" {
		t.Fatalf("unexpected writer device %s", meta.LastModifiedBy)
	}

	changelog, err := h.changelog.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read changelog: %v", err)
	}
	if changelog == nil || changelog.Version != 1 {
		t.Fatalf("expected changelog version 1, got %+v", changelog)
	}
	if len(changelog.Changes) != 1 || changelog.Changes[0].Rev != 1 {
		t.Fatalf("expected one entry at rev 1, got %+v", changelog.Changes)
	}

	row, err := h.local.GetByID(ctx, "n1")
	if err != nil || row == nil {
		t.Fatalf("expected local row: %v", err)
	}
	if row.ContentHash != meta.Hash {
		t.Fatalf("local row hash %s does not match meta", row.ContentHash)
	}
	if row.HasUnsyncedChanges() {
		t.Fatalf("row should be marked synced after publication")
	}
	if row.Title != "Plans" {
		t.Fatalf("expected title derived from first line, got %q", row.Title)
	}
	if h.orchestrator.State() != StateIdle {
		t.Fatalf("expected idle state, got %s", h.orchestrator.State())
	}
}

func TestWriteNoteRewriteWithSameContentIsNoOp(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "same body")
	mustWrite(t, h, "n1", "same body")

	changelog, err := h.changelog.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read changelog: %v", err)
	}
	if changelog.Version != 1 {
		t.Fatalf("idempotent rewrite must not advance the changelog, version %d", changelog.Version)
	}
	status := h.orchestrator.Status()
	if status.State != StateIdle || status.Conflicts != 0 {
		t.Fatalf("unexpected status after no-op rewrite: %+v", status)
	}
}

func TestWriteNoteAdvancesWhenRemoteMatchesLastSynced(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "first version")
	mustWrite(t, h, "n1", "second version")

	content, err := h.store.Get(ctx, notePath("n1"))
	if err != nil {
		t.Fatalf("expected published content: %v", err)
	}
	if string(content) != "second version" {
		t.Fatalf("expected advanced content, got %q", content)
	}
	changelog, err := h.changelog.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read changelog: %v", err)
	}
	if changelog.Version != 2 {
		t.Fatalf("expected changelog version 2, got %d", changelog.Version)
	}
	if latest := changelog.Changes[len(changelog.Changes)-1]; latest.Rev != 2 {
		t.Fatalf("expected rev 2 for second write, got %d", latest.Rev)
	}
}

func TestWriteNoteConflictLeavesRemoteUntouched(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "my first draft")
	// Another device overwrites the object behind our back.
	seedForeignNote(t, h.store, "n1", "their competing edit", "device-x")

	err := h.orchestrator.WriteNote(ctx, "n1", []byte("my second draft"))
	if !errors.Is(err, ErrConflictDetected) {
		t.Fatalf("expected conflict, got %v", err)
	}

	content, err := h.store.Get(ctx, notePath("n1"))
	if err != nil {
		t.Fatalf("failed to read remote content: %v", err)
	}
	if string(content) != "their competing edit" {
		t.Fatalf("conflicting write must not mutate remote, got %q", content)
	}

	conflicts := h.orchestrator.Conflicts()
	if len(conflicts) != 1 || conflicts[0].NoteID != "n1" {
		t.Fatalf("expected one conflict record for n1, got %+v", conflicts)
	}
	if conflicts[0].RemoteDevice != "device-x" {
		t.Fatalf("conflict should carry the competing device, got %s", conflicts[0].RemoteDevice)
	}
	if h.orchestrator.State() != StateConflict {
		t.Fatalf("expected conflict state, got %s", h.orchestrator.State())
	}

	// Further passes are blocked until the conflict is resolved.
	if err := h.orchestrator.WriteNote(ctx, "n2", []byte("other note")); !errors.Is(err, ErrConflictPending) {
		t.Fatalf("expected pending-conflict rejection, got %v", err)
	}
}

func TestWriteNoteRejectsInvalidID(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	if err := h.orchestrator.WriteNote(context.Background(), "../escape", []byte("x")); err == nil {
		t.Fatalf("expected rejection of traversal id")
	}
	if h.orchestrator.State() != StateIdle {
		t.Fatalf("invalid id must not move the state machine")
	}
}

func TestSyncFromRemoteDownloadsForeignNote(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	seedForeignNote(t, h.store, "n1", "remote body", "device-x")

	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); err != nil {
		t.Fatalf("sync from remote failed: %v", err)
	}
	row, err := h.local.GetByID(ctx, "n1")
	if err != nil || row == nil {
		t.Fatalf("expected downloaded row: %v", err)
	}
	if row.Content != "remote body" {
		t.Fatalf("unexpected downloaded content %q", row.Content)
	}
	if row.LastWriterDevice != "device-x" {
		t.Fatalf("expected writer device-x, got %s", row.LastWriterDevice)
	}
	if row.HasUnsyncedChanges() {
		t.Fatalf("downloaded row must not look locally modified")
	}
}

func TestSyncFromRemoteKeepsTombstone(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "to be deleted")
	if err := h.orchestrator.DeleteNote(ctx, "n1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	h.orchestrator.Flush()

	// A stale peer republishes the object after our deletion.
	seedForeignNote(t, h.store, "n1", "zombie content", "device-x")

	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); err != nil {
		t.Fatalf("sync from remote failed: %v", err)
	}
	row, err := h.local.GetByID(ctx, "n1")
	if err != nil || row == nil {
		t.Fatalf("expected tombstone row: %v", err)
	}
	if !row.IsDeleted || row.Content != "" {
		t.Fatalf("tombstone must survive remote republication, got %+v", row)
	}
}

func TestSyncFromRemoteFinishesInterruptedDeletion(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "short lived")
	h.store.FailNext = func(operation, path string) error {
		if operation == "delete" {
			return errors.New("remote hiccup")
		}
		return nil
	}
	if err := h.orchestrator.DeleteNote(ctx, "n1"); err == nil {
		t.Fatalf("expected delete to fail while the remote is unreachable")
	}
	h.store.FailNext = nil
	if !h.store.Exists(notePath("n1")) {
		t.Fatalf("remote content should survive the failed delete")
	}

	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); err != nil {
		t.Fatalf("sync from remote failed: %v", err)
	}
	h.orchestrator.Flush()
	if h.store.Exists(notePath("n1")) || h.store.Exists(metaPath("n1")) {
		t.Fatalf("interrupted deletion should complete on the next pass")
	}
	changelog, _ := h.changelog.Read(ctx)
	latest := changelog.Changes[len(changelog.Changes)-1]
	if latest.NoteID != "n1" || latest.Hash != "" {
		t.Fatalf("expected deletion entry with empty hash, got %+v", latest)
	}
}

func TestSyncFromRemoteOverwritesCleanLocal(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "old shared body")
	seedForeignNote(t, h.store, "n1", "newer remote body", "device-x")

	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); err != nil {
		t.Fatalf("sync from remote failed: %v", err)
	}
	row, _ := h.local.GetByID(ctx, "n1")
	if row.Content != "newer remote body" {
		t.Fatalf("clean local copy should adopt remote content, got %q", row.Content)
	}
}

func TestSyncFromRemoteConflictWhenBothChanged(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "shared base")

	// Local edit that has not been published.
	row, _ := h.local.GetByID(ctx, "n1")
	row.Content = "local divergence"
	row.UpdatedAtSeconds = row.SyncedAtSeconds + 10
	if err := h.local.Upsert(ctx, *row); err != nil {
		t.Fatalf("failed to stage local edit: %v", err)
	}
	// Remote edit from elsewhere.
	seedForeignNote(t, h.store, "n1", "remote divergence", "device-x")

	err := h.orchestrator.SyncFromRemote(ctx, "n1")
	if !errors.Is(err, ErrConflictDetected) {
		t.Fatalf("expected conflict, got %v", err)
	}
	after, _ := h.local.GetByID(ctx, "n1")
	if after.Content != "local divergence" {
		t.Fatalf("conflict must not clobber local content, got %q", after.Content)
	}
}

func TestResolveConflictUseRemote(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "base")
	seedForeignNote(t, h.store, "n1", "remote wins", "device-x")
	if err := h.orchestrator.WriteNote(ctx, "n1", []byte("local loses")); !errors.Is(err, ErrConflictDetected) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := h.orchestrator.ResolveConflict(ctx, "n1", ResolutionUseRemote); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	row, _ := h.local.GetByID(ctx, "n1")
	if row.Content != "remote wins" {
		t.Fatalf("expected remote content locally, got %q", row.Content)
	}
	if h.orchestrator.State() != StateIdle {
		t.Fatalf("expected idle after last conflict resolved, got %s", h.orchestrator.State())
	}
	if len(h.orchestrator.Conflicts()) != 0 {
		t.Fatalf("conflict record should be closed")
	}
}

func TestResolveConflictKeepLocalAsCopy(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "base")
	row, _ := h.local.GetByID(ctx, "n1")
	row.Content = "precious local edit"
	row.UpdatedAtSeconds = row.SyncedAtSeconds + 10
	if err := h.local.Upsert(ctx, *row); err != nil {
		t.Fatalf("failed to stage local edit: %v", err)
	}
	seedForeignNote(t, h.store, "n1", "remote version", "device-x")
	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); !errors.Is(err, ErrConflictDetected) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := h.orchestrator.ResolveConflict(ctx, "n1", ResolutionKeepLocalAsCopy); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	h.orchestrator.Flush()

	original, _ := h.local.GetByID(ctx, "n1")
	if original.Content != "remote version" {
		t.Fatalf("original id should hold remote content, got %q", original.Content)
	}

	rows, err := h.local.ListLive(ctx)
	if err != nil {
		t.Fatalf("failed to list rows: %v", err)
	}
	var copyFound bool
	for _, r := range rows {
		if r.NoteID != "n1" && r.Content == "precious local edit" {
			copyFound = true
			if !h.store.Exists(notePath(r.NoteID)) {
				t.Fatalf("conflict copy %s should be published remotely", r.NoteID)
			}
		}
	}
	if !copyFound {
		t.Fatalf("expected a conflict copy carrying the local edit, rows: %+v", rows)
	}
}

func TestResolveConflictForceUpload(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "base")
	seedForeignNote(t, h.store, "n1", "remote version", "device-x")
	if err := h.orchestrator.WriteNote(ctx, "n1", []byte("local override")); !errors.Is(err, ErrConflictDetected) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// The refused write never reached the local row; stage it there the way
	// an editor would before forcing.
	row, _ := h.local.GetByID(ctx, "n1")
	row.Content = "local override"
	row.UpdatedAtSeconds = row.SyncedAtSeconds + 10
	if err := h.local.Upsert(ctx, *row); err != nil {
		t.Fatalf("failed to stage local edit: %v", err)
	}

	if err := h.orchestrator.ResolveConflict(ctx, "n1", ResolutionForceUpload); err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	h.orchestrator.Flush()

	content, err := h.store.Get(ctx, notePath("n1"))
	if err != nil {
		t.Fatalf("failed to read remote content: %v", err)
	}
	if string(content) != "local override" {
		t.Fatalf("force upload should overwrite remote, got %q", content)
	}
	meta, _ := readMeta(ctx, h.store, "n1")
	if meta.Hash != HashContent(content) {
		t.Fatalf("meta must track forced content")
	}
}

func TestResolveConflictUnknownNoteAndAction(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	if err := h.orchestrator.ResolveConflict(ctx, "ghost", ResolutionUseRemote); !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("expected unknown-conflict error, got %v", err)
	}

	mustWrite(t, h, "n1", "base")
	seedForeignNote(t, h.store, "n1", "other", "device-x")
	if err := h.orchestrator.WriteNote(ctx, "n1", []byte("mine")); !errors.Is(err, ErrConflictDetected) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := h.orchestrator.ResolveConflict(ctx, "n1", ResolutionAction("merge")); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected unknown-action error, got %v", err)
	}
}

func TestRepairMetaWithoutContentReuploadsLocalCopy(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "kept locally")
	if err := h.store.Delete(ctx, notePath("n1")); err != nil {
		t.Fatalf("failed to remove content object: %v", err)
	}

	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); err != nil {
		t.Fatalf("repair pass failed: %v", err)
	}
	content, err := h.store.Get(ctx, notePath("n1"))
	if err != nil {
		t.Fatalf("expected re-uploaded content: %v", err)
	}
	if string(content) != "kept locally" {
		t.Fatalf("unexpected repaired content %q", content)
	}

	// Running the repair again is a no-op.
	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); err != nil {
		t.Fatalf("second repair pass failed: %v", err)
	}
	h.orchestrator.Flush()
}

func TestRepairMetaWithoutContentDropsOrphanMeta(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	meta := RemoteMeta{NoteID: "ghost", Hash: HashContent([]byte("gone")), LastModifiedBy: "device-x", LastModifiedAt: 1}
	if err := writeMeta(ctx, h.store, meta); err != nil {
		t.Fatalf("failed to seed orphan meta: %v", err)
	}

	if err := h.orchestrator.SyncFromRemote(ctx, "ghost"); err != nil {
		t.Fatalf("repair pass failed: %v", err)
	}
	if h.store.Exists(metaPath("ghost")) {
		t.Fatalf("orphaned meta should be removed")
	}
}

func TestRepairContentWithoutMetaRegeneratesMeta(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	if err := h.store.Put(ctx, notePath("n1"), []byte("bare content")); err != nil {
		t.Fatalf("failed to seed bare content: %v", err)
	}

	if err := h.orchestrator.SyncFromRemote(ctx, "n1"); err != nil {
		t.Fatalf("repair pass failed: %v", err)
	}
	meta, err := readMeta(ctx, h.store, "n1")
	if err != nil {
		t.Fatalf("expected regenerated meta: %v", err)
	}
	if meta.Hash != HashContent([]byte("bare content")) {
		t.Fatalf("regenerated meta hash mismatch")
	}
	row, _ := h.local.GetByID(ctx, "n1")
	if row == nil || row.Content != "bare content" {
		t.Fatalf("content should also be downloaded, got %+v", row)
	}
}

func TestDeleteNoteRemovesRemoteObjects(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "short lived")
	if err := h.orchestrator.DeleteNote(ctx, "n1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	h.orchestrator.Flush()

	if h.store.Exists(notePath("n1")) || h.store.Exists(metaPath("n1")) {
		t.Fatalf("remote objects should be gone after deletion")
	}
	row, _ := h.local.GetByID(ctx, "n1")
	if row == nil || !row.IsDeleted {
		t.Fatalf("expected local tombstone, got %+v", row)
	}
	changelog, _ := h.changelog.Read(ctx)
	latest := changelog.Changes[len(changelog.Changes)-1]
	if latest.NoteID != "n1" || latest.Hash != "" {
		t.Fatalf("expected deletion entry with empty hash, got %+v", latest)
	}
}

func TestStatusCountsPasses(t *testing.T) {
	h := newHarness(t, "device-a", nil)

	mustWrite(t, h, "n1", "one")
	mustWrite(t, h, "n2", "two")

	status := h.orchestrator.Status()
	if status.TotalPasses != 2 || status.SucceededPasses != 2 || status.FailedPasses != 0 {
		t.Fatalf("unexpected pass counters: %+v", status)
	}
	if status.LastSyncAt.IsZero() {
		t.Fatalf("expected last sync timestamp")
	}
}

func TestStatusCountsConflictedWriteAsFailed(t *testing.T) {
	h := newHarness(t, "device-a", nil)
	ctx := context.Background()

	mustWrite(t, h, "n1", "base")
	seedForeignNote(t, h.store, "n1", "their edit", "device-x")
	if err := h.orchestrator.WriteNote(ctx, "n1", []byte("mine")); !errors.Is(err, ErrConflictDetected) {
		t.Fatalf("expected conflict, got %v", err)
	}

	status := h.orchestrator.Status()
	if status.TotalPasses != 2 || status.SucceededPasses != 1 || status.FailedPasses != 1 {
		t.Fatalf("refused write must count as a failed pass: %+v", status)
	}
	if status.LastError == "" {
		t.Fatalf("expected last error recorded, got %+v", status)
	}
}
