package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"

	"github.com/Xperiamol/flashnote-sync/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IncrementalSync applies changelog entries this device has not seen yet.
// When the changelog is missing or the device has fallen out of the retained
// window, the pass silently escalates to a full restore. An error is returned
// only when not a single pending entry could be applied.
func (o *Orchestrator) IncrementalSync(ctx context.Context) (*Report, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	var passErr error
	defer func() { o.finish(passErr) }()

	report, err := o.incrementalSync(ctx)
	if err != nil {
		passErr = newSyncError(opIncremental, "pass_failed", err)
		o.logError(opIncremental, "pass_failed", err)
		return report, passErr
	}
	return report, nil
}

func (o *Orchestrator) incrementalSync(ctx context.Context) (*Report, error) {
	changelog, err := o.changelog.Read(ctx)
	if err != nil {
		return nil, err
	}

	lastSeen := o.ledger.LastSeenVersion()
	if changelog == nil || changelog.Version-lastSeen > MaxDelta {
		o.logger.Info("changelog window unavailable, running full restore",
			zap.Int64("last_seen_version", lastSeen))
		return o.fullRestore(ctx)
	}
	if changelog.Version == lastSeen {
		return &Report{}, nil
	}

	o.setState(StateDownloading)
	report := &Report{}
	for _, entry := range changelog.Changes {
		if entry.Rev <= o.ledger.Get(entry.NoteID) {
			continue
		}
		report.Total++

		var applyErr error
		outcome := outcomeDeleted
		if entry.Hash == "" {
			applyErr = o.applyRemoteDeletion(ctx, entry.NoteID)
		} else {
			outcome, applyErr = o.reconcileNote(ctx, entry.NoteID)
		}
		switch {
		case applyErr != nil:
			report.Failed++
			o.logger.Warn("changelog entry apply failed",
				zap.String("note_id", entry.NoteID),
				zap.Int64("rev", entry.Rev),
				zap.Error(applyErr))
		case outcome == outcomeConflict:
			report.Conflicts++
		default:
			report.Applied++
		}
		// The rev advances even on failure so a broken entry cannot pin the
		// pass forever; the note converges on a later edit or a full restore.
		o.ledger.Set(entry.NoteID, entry.Rev)
	}

	o.ledger.SetLastSeenVersion(changelog.Version)
	if err := o.ledger.Persist(); err != nil {
		o.logger.Warn("revision ledger persist failed", zap.Error(err))
	}

	if report.Total > 0 && report.Applied == 0 && report.Conflicts == 0 {
		return report, fmt.Errorf("all %d pending changelog entries failed", report.Failed)
	}
	return report, nil
}

func (o *Orchestrator) applyRemoteDeletion(ctx context.Context, noteID string) error {
	row, err := o.local.GetByID(ctx, noteID)
	if err != nil {
		return err
	}
	if row == nil || row.IsDeleted {
		return nil
	}
	return o.local.MarkDeleted(ctx, noteID)
}

// FullRestore rebuilds local state from the latest bundle, then uploads any
// live local notes the bundle does not know about. Without a bundle it falls
// back to reconciling the union of remote and local listings.
func (o *Orchestrator) FullRestore(ctx context.Context) (*Report, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	var passErr error
	defer func() { o.finish(passErr) }()

	report, err := o.fullRestore(ctx)
	if err != nil {
		passErr = newSyncError(opFullRestore, "pass_failed", err)
		o.logError(opFullRestore, "pass_failed", err)
		return report, passErr
	}
	return report, nil
}

func (o *Orchestrator) fullRestore(ctx context.Context) (*Report, error) {
	o.setState(StateDownloading)

	var bundleIDs []string
	seen := make(map[string]struct{})
	if o.snapshots != nil {
		bundle, err := o.snapshots.Fetch(ctx)
		switch {
		case remote.IsNotFound(err):
			// No bundle published yet; the legacy path covers it.
		case err != nil:
			o.logger.Warn("bundle fetch failed, falling back to listing scan",
				zap.Error(err))
		default:
			for id := range bundle.Notes {
				bundleIDs = append(bundleIDs, id)
				seen[id] = struct{}{}
			}
			sort.Strings(bundleIDs)
			report, err := o.restoreIDs(ctx, bundleIDs)
			if err != nil {
				return report, err
			}
			if err := o.uploadUnknownLocal(ctx, seen, report); err != nil {
				return report, err
			}
			report.FullRestore = true
			if err := o.restoreOutcome(report); err != nil {
				return report, err
			}
			o.resetLedgerFromBundle(bundle)
			return report, nil
		}
	}
	return o.legacyFullSync(ctx)
}

// restoreIDs reconciles the given note ids in fixed-size concurrent batches,
// pausing between batches so a slow remote is not hammered.
func (o *Orchestrator) restoreIDs(ctx context.Context, ids []string) (*Report, error) {
	report := &Report{}
	var mu stdsync.Mutex

	for start := 0; start < len(ids); start += o.restoreBatchSize {
		end := start + o.restoreBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, id := range ids[start:end] {
			noteID := id
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				outcome, err := o.reconcileNote(groupCtx, noteID)
				mu.Lock()
				defer mu.Unlock()
				report.Total++
				switch {
				case err != nil:
					report.Failed++
					o.logger.Warn("restore item failed",
						zap.String("note_id", noteID), zap.Error(err))
				case outcome == outcomeConflict:
					report.Conflicts++
				default:
					report.Applied++
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return report, err
		}

		if end < len(ids) {
			if err := o.sleep(ctx, o.restoreInterBatchDelay); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// uploadUnknownLocal publishes live local notes the bundle never heard of.
// They are either newer than the snapshot or were created offline.
func (o *Orchestrator) uploadUnknownLocal(ctx context.Context, known map[string]struct{}, report *Report) error {
	rows, err := o.local.ListLive(ctx)
	if err != nil {
		return err
	}
	var pending []string
	for _, row := range rows {
		if _, ok := known[row.NoteID]; ok {
			continue
		}
		pending = append(pending, row.NoteID)
	}
	sort.Strings(pending)

	extra, err := o.restoreIDs(ctx, pending)
	if err != nil {
		return err
	}
	report.Total += extra.Total
	report.Applied += extra.Applied
	report.Failed += extra.Failed
	report.Conflicts += extra.Conflicts
	return nil
}

func (o *Orchestrator) resetLedgerFromBundle(bundle *Bundle) {
	revisions := make(map[string]int64, len(bundle.Notes))
	for id, note := range bundle.Notes {
		revisions[id] = note.Rev
	}
	o.ledger.Reset(revisions, bundle.Version)
	if err := o.ledger.Persist(); err != nil {
		o.logger.Warn("revision ledger persist failed", zap.Error(err))
	}
}

// legacyFullSync reconciles every note in the union of the remote listing
// and the local database. It is the pre-bundle behavior kept for stores that
// predate snapshot publication.
func (o *Orchestrator) legacyFullSync(ctx context.Context) (*Report, error) {
	seen := make(map[string]struct{})

	entries, err := o.store.List(ctx, notesDir)
	if err != nil && !remote.IsNotFound(err) {
		return nil, fmt.Errorf("list remote notes: %w", err)
	}
	for _, entry := range entries {
		id := noteIDFromListing(entry)
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}

	rows, err := o.local.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.IsDeleted {
			continue
		}
		seen[row.NoteID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	report, err := o.restoreIDs(ctx, ids)
	if err != nil {
		return report, err
	}
	report.FullRestore = true
	if err := o.restoreOutcome(report); err != nil {
		return report, err
	}

	if changelog, readErr := o.changelog.Read(ctx); readErr == nil && changelog != nil {
		o.ledger.SetLastSeenVersion(changelog.Version)
		if err := o.ledger.Persist(); err != nil {
			o.logger.Warn("revision ledger persist failed", zap.Error(err))
		}
	}
	return report, nil
}

func (o *Orchestrator) restoreOutcome(report *Report) error {
	if report.Total > 0 && report.Applied == 0 && report.Conflicts == 0 {
		return fmt.Errorf("all %d restore items failed", report.Failed)
	}
	return nil
}
