package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/Xperiamol/flashnote-sync/internal/localstore"
	"github.com/Xperiamol/flashnote-sync/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultModificationThreshold = 100
	defaultTimeThreshold         = 24 * time.Hour
)

// ErrSnapshotInFlight reports that a snapshot generation is already running.
var ErrSnapshotInFlight = errors.New("sync: snapshot generation already in flight")

// ErrSnapshotBusy reports that the orchestrator is mid-sync and snapshotting
// now could capture a half-applied state.
var ErrSnapshotBusy = errors.New("sync: orchestrator busy, snapshot deferred")

// BundleNote is one entry in the full-state manifest.
type BundleNote struct {
	Hash      string `json:"hash"`
	Rev       int64  `json:"rev"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Bundle is the full-state manifest published for bootstrap and recovery.
// Immutable once published; the next bundle supersedes it.
type Bundle struct {
	Version    int64                 `json:"version"`
	CreatedAt  int64                 `json:"created_at"`
	DeviceID   string                `json:"device_id"`
	NotesCount int                   `json:"notes_count"`
	Notes      map[string]BundleNote `json:"notes"`
}

// snapshotPolicy is the locally persisted trigger state.
type snapshotPolicy struct {
	ModificationCount     int           `json:"modificationCount"`
	LastSnapshotTime      int64         `json:"lastSnapshotTime"`
	ModificationThreshold int           `json:"MODIFICATION_THRESHOLD"`
	TimeThreshold         time.Duration `json:"TIME_THRESHOLD"`
}

// SnapshotManagerConfig configures a SnapshotManager.
type SnapshotManagerConfig struct {
	Store                 remote.ObjectStore
	Local                 *localstore.Store
	Ledger                *RevisionLedger
	DeviceID              string
	PolicyPath            string
	ModificationThreshold int
	TimeThreshold         time.Duration
	Clock                 func() time.Time
	Logger                *zap.Logger
}

// SnapshotManager builds and publishes full-state bundles. Publication goes
// through a temp path and an overwriting MOVE so readers never observe a
// half-written bundle.
type SnapshotManager struct {
	store      remote.ObjectStore
	local      *localstore.Store
	ledger     *RevisionLedger
	deviceID   string
	policyPath string
	clock      func() time.Time
	logger     *zap.Logger

	busy       func() bool
	generating atomic.Bool

	mu     stdsync.Mutex
	policy snapshotPolicy
}

// NewSnapshotManager constructs a SnapshotManager, loading persisted policy
// state when present.
func NewSnapshotManager(cfg SnapshotManagerConfig) (*SnapshotManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sync: object store is required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("sync: local store is required")
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

	policy := snapshotPolicy{
		ModificationThreshold: cfg.ModificationThreshold,
		TimeThreshold:         cfg.TimeThreshold,
	}
	if policy.ModificationThreshold <= 0 {
		policy.ModificationThreshold = defaultModificationThreshold
	}
	if policy.TimeThreshold <= 0 {
		policy.TimeThreshold = defaultTimeThreshold
	}

	manager := &SnapshotManager{
		store:      cfg.Store,
		local:      cfg.Local,
		ledger:     cfg.Ledger,
		deviceID:   cfg.DeviceID,
		policyPath: cfg.PolicyPath,
		clock:      clock,
		logger:     logger,
		policy:     policy,
	}
	manager.loadPolicy()
	return manager, nil
}

// setBusy installs the orchestrator's mid-sync check. Wired after both are
// constructed; nil means never busy.
func (m *SnapshotManager) setBusy(busy func() bool) {
	m.busy = busy
}

func (m *SnapshotManager) loadPolicy() {
	if m.policyPath == "" {
		return
	}
	data, err := os.ReadFile(m.policyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		m.logger.Warn("snapshot policy unreadable, using defaults", zap.Error(err))
		return
	}
	var stored snapshotPolicy
	if err := json.Unmarshal(data, &stored); err != nil {
		m.logger.Warn("snapshot policy corrupt, using defaults", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.policy.ModificationCount = stored.ModificationCount
	m.policy.LastSnapshotTime = stored.LastSnapshotTime
	m.mu.Unlock()
}

func (m *SnapshotManager) persistPolicy() {
	if m.policyPath == "" {
		return
	}
	m.mu.Lock()
	data, err := json.MarshalIndent(m.policy, "", "  ")
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("snapshot policy encode failed", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.policyPath), 0o755); err != nil {
		m.logger.Warn("snapshot policy persist failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(m.policyPath, data, 0o644); err != nil {
		m.logger.Warn("snapshot policy persist failed", zap.Error(err))
	}
}

// RecordModification counts a published change toward the snapshot trigger.
func (m *SnapshotManager) RecordModification() {
	m.mu.Lock()
	m.policy.ModificationCount++
	m.mu.Unlock()
	m.persistPolicy()
}

// ShouldSnapshot reports whether the trigger policy asks for a new bundle:
// enough modifications since the last snapshot, or enough elapsed time with
// at least one modification.
func (m *SnapshotManager) ShouldSnapshot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.policy.ModificationCount >= m.policy.ModificationThreshold {
		return true
	}
	if m.policy.ModificationCount == 0 {
		return false
	}
	elapsed := m.clock().UTC().Sub(time.UnixMilli(m.policy.LastSnapshotTime))
	return elapsed >= m.policy.TimeThreshold
}

// Generate enumerates all live local notes, builds a bundle, and publishes
// it atomically. On success the modification counter and last-snapshot time
// reset.
func (m *SnapshotManager) Generate(ctx context.Context) (*Bundle, error) {
	if !m.generating.CompareAndSwap(false, true) {
		return nil, ErrSnapshotInFlight
	}
	defer m.generating.Store(false)

	if m.busy != nil && m.busy() {
		return nil, ErrSnapshotBusy
	}

	notes, err := m.local.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: snapshot enumerate notes: %w", err)
	}

	now := m.clock().UTC()
	bundle := &Bundle{
		Version:    now.UnixMilli(),
		CreatedAt:  now.UnixMilli(),
		DeviceID:   m.deviceID,
		NotesCount: len(notes),
		Notes:      make(map[string]BundleNote, len(notes)),
	}
	for _, note := range notes {
		hash := note.ContentHash
		if hash == "" {
			hash = HashContent([]byte(note.Content))
		}
		bundle.Notes[note.NoteID] = BundleNote{
			Hash:      hash,
			Rev:       m.ledger.Get(note.NoteID),
			Title:     note.Title,
			CreatedAt: note.CreatedAtSeconds,
			UpdatedAt: note.UpdatedAtSeconds,
		}
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("sync: encode bundle: %w", err)
	}
	if err := m.store.Mkdir(ctx, snapshotDir); err != nil {
		return nil, fmt.Errorf("sync: ensure snapshot directory: %w", err)
	}
	if err := m.store.Put(ctx, bundleTempPath, data); err != nil {
		return nil, fmt.Errorf("sync: write bundle temp: %w", err)
	}
	if err := m.store.Move(ctx, bundleTempPath, bundlePath, true); err != nil {
		return nil, fmt.Errorf("sync: publish bundle: %w", err)
	}

	m.mu.Lock()
	m.policy.ModificationCount = 0
	m.policy.LastSnapshotTime = now.UnixMilli()
	m.mu.Unlock()
	m.persistPolicy()

	m.logger.Info("snapshot bundle published",
		zap.Int64("version", bundle.Version),
		zap.Int("notes", bundle.NotesCount))
	return bundle, nil
}

// Fetch downloads the latest published bundle, or remote.ErrNotFound when no
// bundle exists yet.
func (m *SnapshotManager) Fetch(ctx context.Context) (*Bundle, error) {
	data, err := m.store.Get(ctx, bundlePath)
	if err != nil {
		return nil, err
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("sync: decode bundle: %w", err)
	}
	if bundle.Notes == nil {
		bundle.Notes = make(map[string]BundleNote)
	}
	return &bundle, nil
}
