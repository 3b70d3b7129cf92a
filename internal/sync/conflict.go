package sync

import (
	stdsync "sync"
	"time"
)

// ResolutionAction enumerates the caller-directed ways out of a conflict.
type ResolutionAction string

const (
	// ResolutionUseRemote discards local changes and applies the remote
	// version.
	ResolutionUseRemote ResolutionAction = "use_remote"
	// ResolutionKeepLocalAsCopy clones the local content under a derived id
	// before downloading the remote version. Nothing is lost, but the two
	// variants are no longer unified under the original id.
	ResolutionKeepLocalAsCopy ResolutionAction = "keep_local_as_copy"
	// ResolutionForceUpload overwrites remote with local content without
	// validation. Reserved for an explicit user override.
	ResolutionForceUpload ResolutionAction = "force_upload"
)

// ConflictRecord captures a detected divergence awaiting resolution. Records
// are in-memory only; they do not survive a restart, and the divergence will
// simply be re-detected on the next pass.
type ConflictRecord struct {
	NoteID       string    `json:"note_id"`
	LocalHash    string    `json:"local_hash"`
	RemoteHash   string    `json:"remote_hash"`
	RemoteDevice string    `json:"remote_device"`
	RemoteTime   int64     `json:"remote_time"`
	DetectedAt   time.Time `json:"detected_at"`
}

// conflictRegistry tracks open conflicts by note id.
type conflictRegistry struct {
	mu      stdsync.Mutex
	records map[string]*ConflictRecord
}

func newConflictRegistry() *conflictRegistry {
	return &conflictRegistry{records: make(map[string]*ConflictRecord)}
}

func (r *conflictRegistry) add(record *ConflictRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.NoteID] = record
}

func (r *conflictRegistry) get(noteID string) *ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[noteID]
}

func (r *conflictRegistry) remove(noteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, noteID)
}

func (r *conflictRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *conflictRegistry) list() []ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]ConflictRecord, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, *record)
	}
	return records
}
