package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/Xperiamol/flashnote-sync/internal/remote"
	"go.uber.org/zap"
)

// MaxDelta is the changelog's retained-entry window. A consumer whose ledger
// is further behind than this must fall back to full restore; the entries it
// would need have rotated out.
const MaxDelta = 200

var errMissingChangelogStore = errors.New("object store is required")

// ChangelogEntry records one published change.
type ChangelogEntry struct {
	NoteID    string `json:"note_id"`
	Rev       int64  `json:"rev"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"ts"`
}

// Changelog is the remote append-only change document. Version advances by
// exactly one per successful append; Changes is a trailing window, not a
// full history.
type Changelog struct {
	Version int64            `json:"version"`
	Changes []ChangelogEntry `json:"changes"`
}

// ChangelogManagerConfig configures a ChangelogManager.
type ChangelogManagerConfig struct {
	Store  remote.ObjectStore
	Ledger *RevisionLedger
	Clock  func() time.Time
	Logger *zap.Logger

	// OnAppend runs after every successful append; the snapshot policy
	// check hangs off this hook.
	OnAppend func()
}

// ChangelogManager owns the remote changelog document. Appending is a
// read-modify-write PUT against a store with no compare-and-swap: two devices
// appending concurrently can race and one append can be lost. The losing
// entry's content is already durably published, so the race costs discovery
// latency until the next bundle reconciliation, never content.
type ChangelogManager struct {
	store    remote.ObjectStore
	ledger   *RevisionLedger
	clock    func() time.Time
	logger   *zap.Logger
	onAppend func()

	// appendMu serializes the read-modify-write within this process. The
	// cross-device race above remains; losing an append to our own goroutines
	// does not have to.
	appendMu stdsync.Mutex
}

// NewChangelogManager constructs a ChangelogManager.
func NewChangelogManager(cfg ChangelogManagerConfig) (*ChangelogManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sync: %w", errMissingChangelogStore)
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("sync: revision ledger is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangelogManager{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		clock:    clock,
		logger:   logger,
		onAppend: cfg.OnAppend,
	}, nil
}

// Read fetches the remote changelog. A nil result with nil error means the
// document does not exist yet: no history, not an error.
func (m *ChangelogManager) Read(ctx context.Context) (*Changelog, error) {
	data, err := m.store.Get(ctx, changelogPath)
	if remote.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sync: read changelog: %w", err)
	}

	var changelog Changelog
	if err := json.Unmarshal(data, &changelog); err != nil {
		return nil, fmt.Errorf("sync: decode changelog: %w", err)
	}
	return &changelog, nil
}

// Append publishes a new changelog entry for the note and returns the note's
// new revision. The ledger mapping for the note is advanced and persisted
// before the call returns.
func (m *ChangelogManager) Append(ctx context.Context, noteID, hash string) (int64, error) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	changelog, err := m.Read(ctx)
	if err != nil {
		return 0, err
	}
	if changelog == nil {
		changelog = &Changelog{}
	}

	newRev := m.ledger.Get(noteID) + 1
	changelog.Version++
	changelog.Changes = append(changelog.Changes, ChangelogEntry{
		NoteID:    noteID,
		Rev:       newRev,
		Hash:      hash,
		Timestamp: m.clock().UTC().UnixMilli(),
	})
	if len(changelog.Changes) > MaxDelta {
		changelog.Changes = changelog.Changes[len(changelog.Changes)-MaxDelta:]
	}

	data, err := json.Marshal(changelog)
	if err != nil {
		return 0, fmt.Errorf("sync: encode changelog: %w", err)
	}
	if err := m.store.Put(ctx, changelogPath, data); err != nil {
		return 0, fmt.Errorf("sync: publish changelog: %w", err)
	}

	m.ledger.Set(noteID, newRev)
	if err := m.ledger.Persist(); err != nil {
		m.logger.Warn("revision ledger persist failed after changelog append",
			zap.String("note_id", noteID), zap.Error(err))
	}

	m.logger.Debug("changelog appended",
		zap.String("note_id", noteID),
		zap.Int64("rev", newRev),
		zap.Int64("version", changelog.Version))

	if m.onAppend != nil {
		m.onAppend()
	}
	return newRev, nil
}
