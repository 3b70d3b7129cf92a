package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func TestLedgerStartsEmptyWhenFileAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ledger := LoadRevisionLedger(path, fixedClock, nil)

	if got := ledger.Get("note-1"); got != 0 {
		t.Fatalf("expected rev 0 for unknown note, got %d", got)
	}
	if got := ledger.LastSeenVersion(); got != 0 {
		t.Fatalf("expected lastSeenVersion 0, got %d", got)
	}
}

func TestLedgerPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ledger := LoadRevisionLedger(path, fixedClock, nil)

	ledger.Set("note-1", 3)
	ledger.Set("note-2", 1)
	ledger.SetLastSeenVersion(7)
	if err := ledger.Persist(); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	reloaded := LoadRevisionLedger(path, fixedClock, nil)
	if got := reloaded.Get("note-1"); got != 3 {
		t.Fatalf("expected rev 3, got %d", got)
	}
	if got := reloaded.Get("note-2"); got != 1 {
		t.Fatalf("expected rev 1, got %d", got)
	}
	if got := reloaded.LastSeenVersion(); got != 7 {
		t.Fatalf("expected lastSeenVersion 7, got %d", got)
	}
}

func TestLedgerDegradesToEmptyOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	ledger := LoadRevisionLedger(path, fixedClock, nil)
	if got := ledger.Get("note-1"); got != 0 {
		t.Fatalf("expected empty ledger, got rev %d", got)
	}
}

func TestLedgerReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	ledger := LoadRevisionLedger(path, fixedClock, nil)
	ledger.Set("stale", 9)

	ledger.Reset(map[string]int64{"note-1": 2}, 42)

	if got := ledger.Get("stale"); got != 0 {
		t.Fatalf("expected stale entry to be dropped, got %d", got)
	}
	if got := ledger.Get("note-1"); got != 2 {
		t.Fatalf("expected rev 2, got %d", got)
	}
	if got := ledger.LastSeenVersion(); got != 42 {
		t.Fatalf("expected lastSeenVersion 42, got %d", got)
	}
}
