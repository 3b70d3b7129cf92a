// Package sync implements multi-device note synchronization over a remote
// object store that offers only whole-object get/put/move semantics. There
// are no remote locks: concurrent edits are detected after the fact through
// content-hash comparison, surfaced as conflicts, and never silently merged.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/Xperiamol/flashnote-sync/internal/localstore"
	"github.com/Xperiamol/flashnote-sync/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the orchestrator's sync state machine position.
type State string

const (
	// StateIdle means no sync activity is in flight.
	StateIdle State = "idle"
	// StateChecking means remote state is being compared against local.
	StateChecking State = "checking"
	// StateUploading means a local change is being published.
	StateUploading State = "uploading"
	// StateDownloading means remote changes are being applied locally.
	StateDownloading State = "downloading"
	// StateConflict means at least one conflict awaits explicit resolution.
	StateConflict State = "conflict"
	// StateError means the last pass failed; the next pass may start fresh.
	StateError State = "error"
)

var (
	// ErrSyncInFlight reports that a sync pass is already running.
	ErrSyncInFlight = errors.New("sync: operation already in flight")
	// ErrConflictPending reports that unresolved conflicts block new passes.
	ErrConflictPending = errors.New("sync: unresolved conflicts pending")
	// ErrConflictDetected reports that a write was refused because remote
	// state diverged.
	ErrConflictDetected = errors.New("sync: conflict detected")
	// ErrUnknownConflict reports a resolution request for a note with no
	// open conflict record.
	ErrUnknownConflict = errors.New("sync: no open conflict for note")
	// ErrUnknownAction reports an unrecognized resolution action.
	ErrUnknownAction = errors.New("sync: unknown resolution action")
)

// SyncError carries a structured operation.reason code alongside the cause.
type SyncError struct {
	code string
	err  error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

// Code returns the structured error code.
func (e *SyncError) Code() string {
	return e.code
}

const (
	opOrchestratorNew = "sync.orchestrator.new"
	opWriteNote       = "sync.write_note"
	opDeleteNote      = "sync.delete_note"
	opIncremental     = "sync.incremental"
	opFullRestore     = "sync.full_restore"
	opFromRemote      = "sync.from_remote"
	opResolve         = "sync.resolve_conflict"
)

func newSyncError(operation, reason string, cause error) error {
	return &SyncError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const backgroundAppendTimeout = 30 * time.Second

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	State           State     `json:"state"`
	Conflicts       int       `json:"conflicts"`
	TotalPasses     int64     `json:"total_passes"`
	SucceededPasses int64     `json:"succeeded_passes"`
	FailedPasses    int64     `json:"failed_passes"`
	LastError       string    `json:"last_error,omitempty"`
	LastSyncAt      time.Time `json:"last_sync_at"`
}

// Report summarizes one incremental-sync or restore pass. A pass error is
// raised to the caller only when zero items succeeded; partial success is
// reported through the counts.
type Report struct {
	Total       int  `json:"total"`
	Applied     int  `json:"applied"`
	Failed      int  `json:"failed"`
	Conflicts   int  `json:"conflicts"`
	FullRestore bool `json:"full_restore"`
}

// OrchestratorConfig wires an Orchestrator. One orchestrator exists per local
// database; all collaborators are passed explicitly.
type OrchestratorConfig struct {
	Remote    remote.ObjectStore
	Local     *localstore.Store
	Ledger    *RevisionLedger
	Changelog *ChangelogManager
	Snapshots *SnapshotManager
	Backups   *BackupManager
	Events    *Dispatcher
	DeviceID  string
	Clock     func() time.Time
	Logger    *zap.Logger

	RestoreBatchSize       int
	RestoreInterBatchDelay time.Duration
	Sleep                  func(context.Context, time.Duration) error
}

// Orchestrator drives the sync state machine. It assumes at most one sync
// attempt in flight at a time within this process; cross-device concurrency
// is handled entirely through hash checks and changelog/bundle
// reconciliation.
type Orchestrator struct {
	store     remote.ObjectStore
	local     *localstore.Store
	ledger    *RevisionLedger
	changelog *ChangelogManager
	snapshots *SnapshotManager
	backups   *BackupManager
	events    *Dispatcher
	deviceID  string
	clock     func() time.Time
	logger    *zap.Logger

	restoreBatchSize       int
	restoreInterBatchDelay time.Duration
	sleep                  func(context.Context, time.Duration) error

	stateMu stdsync.Mutex
	state   State

	statusMu        stdsync.Mutex
	totalPasses     int64
	succeededPasses int64
	failedPasses    int64
	lastError       string
	lastSyncAt      time.Time

	conflicts *conflictRegistry
	bg        stdsync.WaitGroup
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Remote == nil {
		return nil, newSyncError(opOrchestratorNew, "missing_remote", errors.New("object store is required"))
	}
	if cfg.Local == nil {
		return nil, newSyncError(opOrchestratorNew, "missing_local", errors.New("local store is required"))
	}
	if cfg.Ledger == nil {
		return nil, newSyncError(opOrchestratorNew, "missing_ledger", errors.New("revision ledger is required"))
	}
	if cfg.Changelog == nil {
		return nil, newSyncError(opOrchestratorNew, "missing_changelog", errors.New("changelog manager is required"))
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, newSyncError(opOrchestratorNew, "missing_device_id", errors.New("device id is required"))
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = NewDispatcher()
	}
	batchSize := cfg.RestoreBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	delay := cfg.RestoreInterBatchDelay
	if delay < 0 {
		delay = 0
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	o := &Orchestrator{
		store:                  cfg.Remote,
		local:                  cfg.Local,
		ledger:                 cfg.Ledger,
		changelog:              cfg.Changelog,
		snapshots:              cfg.Snapshots,
		backups:                cfg.Backups,
		events:                 events,
		deviceID:               cfg.DeviceID,
		clock:                  clock,
		logger:                 logger,
		restoreBatchSize:       batchSize,
		restoreInterBatchDelay: delay,
		sleep:                  sleep,
		state:                  StateIdle,
		conflicts:              newConflictRegistry(),
	}
	if o.snapshots != nil {
		o.snapshots.setBusy(func() bool { return o.State() != StateIdle })
	}
	return o, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the current state machine position.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.stateMu.Lock()
	o.state = state
	o.stateMu.Unlock()
}

// begin transitions idle (or a previous pass's error state) into checking.
// Conflict is terminal until explicitly resolved.
func (o *Orchestrator) begin() error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	switch o.state {
	case StateIdle, StateError:
		o.state = StateChecking
		return nil
	case StateConflict:
		return ErrConflictPending
	default:
		return ErrSyncInFlight
	}
}

// finish closes a pass: conflict if records are open, error on pass failure,
// idle otherwise.
func (o *Orchestrator) finish(passErr error) {
	o.stateMu.Lock()
	switch {
	case o.conflicts.count() > 0:
		o.state = StateConflict
	case passErr != nil:
		o.state = StateError
	default:
		o.state = StateIdle
	}
	o.stateMu.Unlock()

	o.statusMu.Lock()
	o.totalPasses++
	if passErr != nil {
		o.failedPasses++
		o.lastError = passErr.Error()
	} else {
		o.succeededPasses++
		o.lastSyncAt = o.clock().UTC()
	}
	o.statusMu.Unlock()
}

// Status returns a snapshot of the orchestrator's externally visible state.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return Status{
		State:           o.State(),
		Conflicts:       o.conflicts.count(),
		TotalPasses:     o.totalPasses,
		SucceededPasses: o.succeededPasses,
		FailedPasses:    o.failedPasses,
		LastError:       o.lastError,
		LastSyncAt:      o.lastSyncAt,
	}
}

// Conflicts lists the open conflict records.
func (o *Orchestrator) Conflicts() []ConflictRecord {
	return o.conflicts.list()
}

// Events exposes the event dispatcher for subscribers.
func (o *Orchestrator) Events() *Dispatcher {
	return o.events
}

// Flush waits for background changelog appends to settle. Called on
// shutdown and by tests.
func (o *Orchestrator) Flush() {
	o.bg.Wait()
}

// EnsureLayout creates the remote directory skeleton.
func (o *Orchestrator) EnsureLayout(ctx context.Context) error {
	for _, dir := range []string{notesDir, indexDir, snapshotDir, remoteBackupDir} {
		if err := o.store.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("sync: ensure remote directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteValidation is the outcome of the pre-write optimistic-concurrency
// check.
type WriteValidation struct {
	CanWrite  bool
	NoOp      bool
	LocalHash string
	Remote    *RemoteMeta
}

// ValidateBeforeWrite computes the fresh local hash and compares it against
// the remote side-car meta. It takes no remote lock; divergence is detected,
// not prevented. Outcomes:
//   - remote absent: safe to write (new object)
//   - remote hash == hash of the content being written: idempotent no-op
//   - remote hash == the hash this device last synced: safe to advance
//   - anything else: a third writer got there first, conflict
func (o *Orchestrator) ValidateBeforeWrite(ctx context.Context, noteID string, content []byte) (WriteValidation, error) {
	localHash := HashContent(content)

	meta, err := readMeta(ctx, o.store, noteID)
	if remote.IsNotFound(err) {
		return WriteValidation{CanWrite: true, LocalHash: localHash}, nil
	}
	if err != nil {
		return WriteValidation{}, err
	}

	if meta.Hash == localHash {
		return WriteValidation{CanWrite: true, NoOp: true, LocalHash: localHash, Remote: meta}, nil
	}

	row, err := o.local.GetByID(ctx, noteID)
	if err != nil {
		return WriteValidation{}, err
	}
	if row != nil && row.ContentHash != "" && meta.Hash == row.ContentHash {
		// Remote still holds what this device last synced; nobody else
		// wrote in between.
		return WriteValidation{CanWrite: true, LocalHash: localHash, Remote: meta}, nil
	}

	return WriteValidation{CanWrite: false, LocalHash: localHash, Remote: meta}, nil
}

// WriteNote validates and publishes new content for the note. Publication
// order is fixed: previous-version backup, temp PUT, atomic MOVE, meta PUT,
// then a best-effort background changelog append. A failure before the MOVE
// leaves the remote object untouched; a failure of the append only delays
// discovery by peers, never loses content.
func (o *Orchestrator) WriteNote(ctx context.Context, noteID string, content []byte) error {
	if _, err := localstore.NewNoteID(noteID); err != nil {
		return newSyncError(opWriteNote, "invalid_note_id", err)
	}
	if err := o.begin(); err != nil {
		return err
	}
	var passErr error
	defer func() { o.finish(passErr) }()

	validation, err := o.ValidateBeforeWrite(ctx, noteID, content)
	if err != nil {
		passErr = newSyncError(opWriteNote, "validate_failed", err)
		o.logError(opWriteNote, "validate_failed", err, zap.String("note_id", noteID))
		return passErr
	}

	if !validation.CanWrite {
		o.recordConflict(noteID, validation.LocalHash, validation.Remote)
		passErr = fmt.Errorf("%w: note %s", ErrConflictDetected, noteID)
		return passErr
	}

	if validation.NoOp {
		// Content already published with this exact hash; refresh local
		// bookkeeping so unsynced-change detection stays accurate.
		if err := o.updateLocalAfterPublish(ctx, noteID, content, validation.LocalHash); err != nil {
			passErr = newSyncError(opWriteNote, "bookkeeping_failed", err)
			return passErr
		}
		return nil
	}

	o.setState(StateUploading)
	if err := o.publishNote(ctx, noteID, content, validation.LocalHash); err != nil {
		passErr = newSyncError(opWriteNote, "publish_failed", err)
		o.logError(opWriteNote, "publish_failed", err, zap.String("note_id", noteID))
		return passErr
	}

	if err := o.updateLocalAfterPublish(ctx, noteID, content, validation.LocalHash); err != nil {
		passErr = newSyncError(opWriteNote, "bookkeeping_failed", err)
		o.logError(opWriteNote, "bookkeeping_failed", err, zap.String("note_id", noteID))
		return passErr
	}

	o.appendChangelogAsync(noteID, validation.LocalHash)
	o.events.Publish(Event{
		Type:      EventNoteUploaded,
		NoteID:    noteID,
		Timestamp: o.clock().UTC(),
	})
	return nil
}

// publishNote performs the remote write sequence. The caller owns state
// transitions and bookkeeping.
func (o *Orchestrator) publishNote(ctx context.Context, noteID string, content []byte, hash string) error {
	// Best-effort backup of the previous remote version. The local copy
	// must land (local disk is always available); the remote copy may fail.
	previous, err := o.store.Get(ctx, notePath(noteID))
	if err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("fetch previous version: %w", err)
	}
	if err == nil && len(previous) > 0 {
		timestamp := o.clock().UTC().UnixMilli()
		if o.backups != nil {
			if backupErr := o.backups.Write(noteID, timestamp, previous); backupErr != nil {
				return fmt.Errorf("local backup: %w", backupErr)
			}
		}
		if backupErr := o.store.Put(ctx, remoteBackupPath(noteID, timestamp), previous); backupErr != nil {
			o.logger.Warn("remote backup failed",
				zap.String("note_id", noteID), zap.Error(backupErr))
		}
	}

	tempPath := noteTempPath(noteID)
	if err := o.store.Put(ctx, tempPath, content); err != nil {
		return fmt.Errorf("write temp object: %w", err)
	}
	if err := o.store.Move(ctx, tempPath, notePath(noteID), true); err != nil {
		return fmt.Errorf("publish object: %w", err)
	}

	meta := RemoteMeta{
		NoteID:         noteID,
		Hash:           hash,
		LastModifiedBy: o.deviceID,
		LastModifiedAt: o.clock().UTC().UnixMilli(),
	}
	if err := writeMeta(ctx, o.store, meta); err != nil {
		return fmt.Errorf("publish meta: %w", err)
	}
	return nil
}

func (o *Orchestrator) appendChangelogAsync(noteID, hash string) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundAppendTimeout)
		defer cancel()
		if _, err := o.changelog.Append(ctx, noteID, hash); err != nil {
			// Content is already durably published; only cross-device
			// discovery is delayed until the next bundle reconciliation.
			o.logger.Warn("changelog append failed, discovery delayed",
				zap.String("note_id", noteID), zap.Error(err))
			return
		}
		o.maybeSnapshot(ctx)
	}()
}

func (o *Orchestrator) maybeSnapshot(ctx context.Context) {
	if o.snapshots == nil || !o.snapshots.ShouldSnapshot() {
		return
	}
	if _, err := o.snapshots.Generate(ctx); err != nil {
		if errors.Is(err, ErrSnapshotBusy) || errors.Is(err, ErrSnapshotInFlight) {
			return
		}
		o.logger.Warn("snapshot generation failed", zap.Error(err))
	}
}

func (o *Orchestrator) updateLocalAfterPublish(ctx context.Context, noteID string, content []byte, hash string) error {
	now := o.clock().UTC().Unix()
	row, err := o.local.GetByID(ctx, noteID)
	if err != nil {
		return err
	}
	if row == nil {
		row = &localstore.Note{
			NoteID:           noteID,
			Title:            titleFromContent(content),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
	}
	if row.Content != string(content) {
		row.Content = string(content)
		row.UpdatedAtSeconds = now
	}
	if row.Title == "" {
		row.Title = titleFromContent(content)
	}
	row.ContentHash = hash
	row.IsDeleted = false
	row.LastWriterDevice = o.deviceID
	row.SyncedAtSeconds = now
	if row.SyncedAtSeconds < row.UpdatedAtSeconds {
		row.SyncedAtSeconds = row.UpdatedAtSeconds
	}
	return o.local.Upsert(ctx, *row)
}

// DeleteNote tombstones the note locally, removes its remote objects, and
// publishes a deletion entry to the changelog.
func (o *Orchestrator) DeleteNote(ctx context.Context, noteID string) error {
	if _, err := localstore.NewNoteID(noteID); err != nil {
		return newSyncError(opDeleteNote, "invalid_note_id", err)
	}
	if err := o.begin(); err != nil {
		return err
	}
	var passErr error
	defer func() { o.finish(passErr) }()

	if err := o.local.MarkDeleted(ctx, noteID); err != nil {
		passErr = newSyncError(opDeleteNote, "tombstone_failed", err)
		return passErr
	}

	o.setState(StateUploading)
	if err := o.store.Delete(ctx, notePath(noteID)); err != nil {
		passErr = newSyncError(opDeleteNote, "remote_delete_failed", err)
		o.logError(opDeleteNote, "remote_delete_failed", err, zap.String("note_id", noteID))
		return passErr
	}
	if err := o.store.Delete(ctx, metaPath(noteID)); err != nil {
		passErr = newSyncError(opDeleteNote, "remote_meta_delete_failed", err)
		o.logError(opDeleteNote, "remote_meta_delete_failed", err, zap.String("note_id", noteID))
		return passErr
	}

	// Empty hash marks a deletion entry.
	o.appendChangelogAsync(noteID, "")
	return nil
}

// SyncFromRemote reconciles a single note against the remote store.
func (o *Orchestrator) SyncFromRemote(ctx context.Context, noteID string) error {
	if _, err := localstore.NewNoteID(noteID); err != nil {
		return newSyncError(opFromRemote, "invalid_note_id", err)
	}
	if err := o.begin(); err != nil {
		return err
	}
	var passErr error
	defer func() { o.finish(passErr) }()

	outcome, err := o.reconcileNote(ctx, noteID)
	if err != nil {
		passErr = newSyncError(opFromRemote, "reconcile_failed", err)
		o.logError(opFromRemote, "reconcile_failed", err, zap.String("note_id", noteID))
		return passErr
	}
	if outcome == outcomeConflict {
		passErr = fmt.Errorf("%w: note %s", ErrConflictDetected, noteID)
		return passErr
	}
	return nil
}

type reconcileOutcome string

const (
	outcomeNoop       reconcileOutcome = "noop"
	outcomeDownloaded reconcileOutcome = "downloaded"
	outcomeUploaded   reconcileOutcome = "uploaded"
	outcomeConflict   reconcileOutcome = "conflict"
	outcomeDeleted    reconcileOutcome = "deleted"
	outcomeRepaired   reconcileOutcome = "repaired"
)

// reconcileNote is the single-object smart sync shared by SyncFromRemote,
// incremental entry application, and legacy full sync.
func (o *Orchestrator) reconcileNote(ctx context.Context, noteID string) (reconcileOutcome, error) {
	row, err := o.local.GetByID(ctx, noteID)
	if err != nil {
		return outcomeNoop, err
	}

	meta, metaErr := readMeta(ctx, o.store, noteID)
	if metaErr != nil && !remote.IsNotFound(metaErr) {
		return outcomeNoop, metaErr
	}
	content, contentErr := o.store.Get(ctx, notePath(noteID))
	if contentErr != nil && !remote.IsNotFound(contentErr) {
		return outcomeNoop, contentErr
	}
	metaPresent := metaErr == nil
	contentPresent := contentErr == nil

	// Corruption repair: the two remote objects should exist together.
	if metaPresent && !contentPresent {
		return o.repairMissingContent(ctx, noteID, row)
	}
	if !metaPresent && contentPresent {
		repaired, err := o.regenerateMeta(ctx, noteID, content)
		if err != nil {
			return outcomeNoop, err
		}
		meta = repaired
		metaPresent = true
	}

	remotePresent := metaPresent && contentPresent
	localLive := row != nil && !row.IsDeleted

	switch {
	case !localLive && !remotePresent:
		return outcomeNoop, nil

	case !localLive && remotePresent:
		if row != nil && row.IsDeleted {
			if row.ContentHash != "" && meta.Hash == row.ContentHash {
				// Remote still holds the version we deleted; the remote
				// removal must have failed mid-delete. Finish it now.
				return o.finishRemoteDeletion(ctx, noteID)
			}
			// Remote moved past what we deleted; a peer edited the note
			// after our tombstone. Their edit survives, our tombstone holds
			// locally until their deletion entry or an explicit write.
			return outcomeNoop, nil
		}
		if err := o.applyRemote(ctx, noteID, meta, content); err != nil {
			return outcomeNoop, err
		}
		return outcomeDownloaded, nil

	case localLive && !remotePresent:
		// Nothing remote to conflict with; upload directly.
		hash := HashContent([]byte(row.Content))
		if err := o.publishNote(ctx, noteID, []byte(row.Content), hash); err != nil {
			return outcomeNoop, err
		}
		if err := o.updateLocalAfterPublish(ctx, noteID, []byte(row.Content), hash); err != nil {
			return outcomeNoop, err
		}
		o.appendChangelogAsync(noteID, hash)
		return outcomeUploaded, nil

	default:
		localHash := HashContent([]byte(row.Content))
		if meta.Hash == localHash {
			// Same content; refresh bookkeeping if it drifted.
			if row.ContentHash != localHash || row.HasUnsyncedChanges() {
				if err := o.updateLocalAfterPublish(ctx, noteID, []byte(row.Content), localHash); err != nil {
					return outcomeNoop, err
				}
			}
			return outcomeNoop, nil
		}
		if !row.HasUnsyncedChanges() {
			// No local work at risk; the remote version wins.
			if err := o.applyRemote(ctx, noteID, meta, content); err != nil {
				return outcomeNoop, err
			}
			return outcomeDownloaded, nil
		}
		o.recordConflict(noteID, localHash, meta)
		return outcomeConflict, nil
	}
}

// finishRemoteDeletion completes a deletion whose remote removal never
// landed, typically because the device went offline mid-DeleteNote.
func (o *Orchestrator) finishRemoteDeletion(ctx context.Context, noteID string) (reconcileOutcome, error) {
	if err := o.store.Delete(ctx, notePath(noteID)); err != nil && !remote.IsNotFound(err) {
		return outcomeNoop, fmt.Errorf("finish remote deletion: %w", err)
	}
	if err := o.store.Delete(ctx, metaPath(noteID)); err != nil && !remote.IsNotFound(err) {
		return outcomeNoop, fmt.Errorf("finish remote meta deletion: %w", err)
	}
	o.appendChangelogAsync(noteID, "")
	return outcomeDeleted, nil
}

// applyRemote upserts the remote version into the local store.
func (o *Orchestrator) applyRemote(ctx context.Context, noteID string, meta *RemoteMeta, content []byte) error {
	hash := HashContent(content)
	if meta.Hash != "" && meta.Hash != hash {
		// Meta lagging content is repairable; trust the content we fetched.
		o.logger.Warn("remote meta hash does not match content, using content hash",
			zap.String("note_id", noteID))
	}

	now := o.clock().UTC().Unix()
	row, err := o.local.GetByID(ctx, noteID)
	if err != nil {
		return err
	}
	updated := localstore.Note{
		NoteID:           noteID,
		Title:            titleFromContent(content),
		Content:          string(content),
		ContentHash:      hash,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		SyncedAtSeconds:  now,
		LastWriterDevice: meta.LastModifiedBy,
	}
	if row != nil {
		updated.CreatedAtSeconds = row.CreatedAtSeconds
		if row.Title != "" {
			updated.Title = row.Title
		}
	}
	if meta.LastModifiedAt > 0 {
		updated.UpdatedAtSeconds = meta.LastModifiedAt / 1000
	}
	if updated.SyncedAtSeconds < updated.UpdatedAtSeconds {
		updated.SyncedAtSeconds = updated.UpdatedAtSeconds
	}
	return o.local.Upsert(ctx, updated)
}

// repairMissingContent handles the meta-without-content corruption state:
// re-upload the content if this device still has it, otherwise remove the
// orphaned meta. Running it twice yields the same end state as running it
// once.
func (o *Orchestrator) repairMissingContent(ctx context.Context, noteID string, row *localstore.Note) (reconcileOutcome, error) {
	if row != nil && !row.IsDeleted && row.Content != "" {
		hash := HashContent([]byte(row.Content))
		if err := o.publishNote(ctx, noteID, []byte(row.Content), hash); err != nil {
			return outcomeNoop, fmt.Errorf("repair re-upload: %w", err)
		}
		if err := o.updateLocalAfterPublish(ctx, noteID, []byte(row.Content), hash); err != nil {
			return outcomeNoop, err
		}
		o.logger.Warn("repaired remote meta without content by re-uploading",
			zap.String("note_id", noteID))
		return outcomeRepaired, nil
	}

	if err := o.store.Delete(ctx, metaPath(noteID)); err != nil {
		return outcomeNoop, fmt.Errorf("repair orphan meta delete: %w", err)
	}
	o.logger.Warn("removed orphaned remote meta",
		zap.String("note_id", noteID))
	return outcomeRepaired, nil
}

// regenerateMeta handles the content-without-meta corruption state.
func (o *Orchestrator) regenerateMeta(ctx context.Context, noteID string, content []byte) (*RemoteMeta, error) {
	meta := RemoteMeta{
		NoteID:         noteID,
		Hash:           HashContent(content),
		LastModifiedBy: o.deviceID,
		LastModifiedAt: o.clock().UTC().UnixMilli(),
	}
	if err := writeMeta(ctx, o.store, meta); err != nil {
		return nil, fmt.Errorf("repair meta regenerate: %w", err)
	}
	o.logger.Warn("regenerated missing remote meta",
		zap.String("note_id", noteID))
	return &meta, nil
}

func (o *Orchestrator) recordConflict(noteID, localHash string, meta *RemoteMeta) {
	record := &ConflictRecord{
		NoteID:     noteID,
		LocalHash:  localHash,
		DetectedAt: o.clock().UTC(),
	}
	if meta != nil {
		record.RemoteHash = meta.Hash
		record.RemoteDevice = meta.LastModifiedBy
		record.RemoteTime = meta.LastModifiedAt
	}
	o.conflicts.add(record)
	o.logger.Warn("conflict detected",
		zap.String("note_id", noteID),
		zap.String("local_hash", localHash),
		zap.String("remote_hash", record.RemoteHash),
		zap.String("remote_device", record.RemoteDevice))
	o.events.Publish(Event{
		Type:      EventConflictDetected,
		NoteID:    noteID,
		Conflict:  record,
		Timestamp: record.DetectedAt,
	})
}

// ResolveConflict applies a caller-directed resolution action and closes the
// conflict record. When the last record closes, the state machine leaves
// conflict.
func (o *Orchestrator) ResolveConflict(ctx context.Context, noteID string, action ResolutionAction) error {
	record := o.conflicts.get(noteID)
	if record == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, noteID)
	}

	switch action {
	case ResolutionUseRemote:
		if err := o.resolveUseRemote(ctx, noteID); err != nil {
			return newSyncError(opResolve, "use_remote_failed", err)
		}
	case ResolutionKeepLocalAsCopy:
		if err := o.resolveKeepLocalAsCopy(ctx, noteID); err != nil {
			return newSyncError(opResolve, "keep_local_failed", err)
		}
	case ResolutionForceUpload:
		if err := o.resolveForceUpload(ctx, noteID); err != nil {
			return newSyncError(opResolve, "force_upload_failed", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	o.conflicts.remove(noteID)
	o.stateMu.Lock()
	if o.state == StateConflict && o.conflicts.count() == 0 {
		o.state = StateIdle
	}
	o.stateMu.Unlock()
	o.logger.Info("conflict resolved",
		zap.String("note_id", noteID),
		zap.String("action", string(action)))
	return nil
}

func (o *Orchestrator) resolveUseRemote(ctx context.Context, noteID string) error {
	meta, err := readMeta(ctx, o.store, noteID)
	if err != nil {
		return err
	}
	content, err := o.store.Get(ctx, notePath(noteID))
	if err != nil {
		return err
	}
	return o.applyRemote(ctx, noteID, meta, content)
}

func (o *Orchestrator) resolveKeepLocalAsCopy(ctx context.Context, noteID string) error {
	row, err := o.local.GetByID(ctx, noteID)
	if err != nil {
		return err
	}
	if row != nil && row.Content != "" {
		suffix, err := uuid.NewV7()
		if err != nil {
			return err
		}
		copyID := fmt.Sprintf("%s-conflict-%s", noteID, suffix.String())
		now := o.clock().UTC().Unix()
		copyRow := localstore.Note{
			NoteID:           copyID,
			Title:            row.Title + " (conflict copy)",
			Content:          row.Content,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
			LastWriterDevice: o.deviceID,
		}
		if err := o.local.Upsert(ctx, copyRow); err != nil {
			return err
		}
		// Publish the copy so peers see it too; the copy id is fresh, so
		// there is nothing remote to conflict with.
		hash := HashContent([]byte(row.Content))
		if err := o.publishNote(ctx, copyID, []byte(row.Content), hash); err != nil {
			o.logger.Warn("conflict copy publish failed, copy kept locally",
				zap.String("note_id", copyID), zap.Error(err))
		} else {
			if err := o.updateLocalAfterPublish(ctx, copyID, []byte(row.Content), hash); err != nil {
				return err
			}
			o.appendChangelogAsync(copyID, hash)
		}
	}
	return o.resolveUseRemote(ctx, noteID)
}

func (o *Orchestrator) resolveForceUpload(ctx context.Context, noteID string) error {
	row, err := o.local.GetByID(ctx, noteID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("sync: no local content to force upload for %s", noteID)
	}
	hash := HashContent([]byte(row.Content))
	if err := o.publishNote(ctx, noteID, []byte(row.Content), hash); err != nil {
		return err
	}
	if err := o.updateLocalAfterPublish(ctx, noteID, []byte(row.Content), hash); err != nil {
		return err
	}
	o.appendChangelogAsync(noteID, hash)
	o.events.Publish(Event{
		Type:      EventNoteUploaded,
		NoteID:    noteID,
		Timestamp: o.clock().UTC(),
	})
	return nil
}

func titleFromContent(content []byte) string {
	text := strings.TrimSpace(string(content))
	if text == "" {
		return ""
	}
	line := text
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		line = text[:idx]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "# "))
	const maxTitle = 120
	if len(line) > maxTitle {
		line = line[:maxTitle]
	}
	return line
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("sync orchestrator error", attrs...)
}
