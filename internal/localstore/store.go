package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig configures the local note store adapter.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes the local database rows backing each synchronized
// note. All writes replace the full row inside a transaction so readers never
// observe partially updated rows.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("localstore: %w", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetByID returns the note row for the identifier, or nil when no row exists.
// Tombstoned rows are returned; callers branch on IsDeleted.
func (s *Store) GetByID(ctx context.Context, noteID string) (*Note, error) {
	var note Note
	err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: select note %s: %w", noteID, err)
	}
	return &note, nil
}

// Upsert writes the full note row, replacing any existing row with the same
// note identifier.
func (s *Store) Upsert(ctx context.Context, note Note) error {
	if note.NoteID == "" {
		return fmt.Errorf("localstore: %w", ErrInvalidNoteID)
	}
	if note.CreatedAtSeconds == 0 {
		note.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	if note.UpdatedAtSeconds == 0 {
		note.UpdatedAtSeconds = note.CreatedAtSeconds
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Save(&note).Error
	})
	if err != nil {
		return fmt.Errorf("localstore: upsert note %s: %w", note.NoteID, err)
	}
	return nil
}

// ListLive returns all notes that are not tombstoned.
func (s *Store) ListLive(ctx context.Context) ([]Note, error) {
	var notes []Note
	if err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("updated_at_s DESC").
		Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("localstore: list live notes: %w", err)
	}
	return notes, nil
}

// ListAll returns every row including tombstones. Used by the legacy full
// sync path to build the union of local and remote identifiers.
func (s *Store) ListAll(ctx context.Context) ([]Note, error) {
	var notes []Note
	if err := s.db.WithContext(ctx).Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("localstore: list notes: %w", err)
	}
	return notes, nil
}

// MarkDeleted tombstones the row for the identifier. Missing rows are not an
// error; a tombstone row is created so the deletion survives legacy sync.
func (s *Store) MarkDeleted(ctx context.Context, noteID string) error {
	if noteID == "" {
		return fmt.Errorf("localstore: %w", ErrInvalidNoteID)
	}

	now := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.Where("note_id = ?", noteID).Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			note = Note{
				NoteID:           noteID,
				CreatedAtSeconds: now,
			}
		} else if err != nil {
			return err
		}
		note.IsDeleted = true
		note.Content = ""
		note.UpdatedAtSeconds = now
		return tx.Save(&note).Error
	})
	if err != nil {
		return fmt.Errorf("localstore: mark deleted %s: %w", noteID, err)
	}

	s.logger.Debug("note tombstoned", zap.String("note_id", noteID))
	return nil
}
