package lifecycle

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestWritePIDFile_CreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run", "dispatchd.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if got, want := string(raw), strconv.Itoa(os.Getpid()); got != want {
		t.Fatalf("pid file content = %q, want %q", got, want)
	}

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("ReadPIDFile = %d, want %d", pid, os.Getpid())
	}
}

func TestRemovePIDFile_MissingIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.pid")
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile on missing file: %v", err)
	}
}

func TestRemovePIDFile_RemovesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatchd.pid")
	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file still present after RemovePIDFile")
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatchd.pid")
	if err := os.WriteFile(path, []byte("not a pid"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Fatal("expected error for non-numeric pid file")
	}
}

func TestAlive_CurrentProcess(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("Alive(self) = false")
	}
}

func writeCrashLog(t *testing.T, path string, records []CrashRecord) {
	t.Helper()
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write crash log: %v", err)
	}
}

func TestCheckCrashLoop(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	recent := func(minAgo int) CrashRecord {
		return CrashRecord{Timestamp: now.Add(-time.Duration(minAgo) * time.Minute), Reason: "panic"}
	}

	t.Run("missing log allows startup", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "crashes.json")
		if err := CheckCrashLoop(path, 3, window, now); err != nil {
			t.Fatalf("CheckCrashLoop: %v", err)
		}
	})

	t.Run("below threshold allows startup", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "crashes.json")
		writeCrashLog(t, path, []CrashRecord{recent(1), recent(2)})
		if err := CheckCrashLoop(path, 3, window, now); err != nil {
			t.Fatalf("CheckCrashLoop: %v", err)
		}
	})

	t.Run("at threshold blocks startup", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "crashes.json")
		writeCrashLog(t, path, []CrashRecord{recent(1), recent(2), recent(3)})
		err := CheckCrashLoop(path, 3, window, now)
		if !errors.Is(err, ErrCrashLoop) {
			t.Fatalf("CheckCrashLoop = %v, want ErrCrashLoop", err)
		}
	})

	t.Run("old records do not count", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "crashes.json")
		writeCrashLog(t, path, []CrashRecord{recent(30), recent(45), recent(90), recent(1)})
		if err := CheckCrashLoop(path, 3, window, now); err != nil {
			t.Fatalf("CheckCrashLoop: %v", err)
		}
	})

	t.Run("zero threshold disables guard", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "crashes.json")
		writeCrashLog(t, path, []CrashRecord{recent(1), recent(2), recent(3)})
		if err := CheckCrashLoop(path, 0, window, now); err != nil {
			t.Fatalf("CheckCrashLoop with threshold 0: %v", err)
		}
	})
}

func TestRecordCrash_PrunesOldEntries(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute
	path := filepath.Join(t.TempDir(), "crashes.json")

	writeCrashLog(t, path, []CrashRecord{
		{Timestamp: now.Add(-time.Hour), Reason: "stale"},
		{Timestamp: now.Add(-time.Minute), Reason: "fresh"},
	})

	if err := RecordCrash(path, "sigsegv", window, now); err != nil {
		t.Fatalf("RecordCrash: %v", err)
	}
	records, err := ReadCrashLog(path)
	if err != nil {
		t.Fatalf("ReadCrashLog: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2 (stale entry pruned)", len(records))
	}
	if records[0].Reason != "fresh" || records[1].Reason != "sigsegv" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestRecordCrash_ReplacesCorruptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashes.json")
	if err := os.WriteFile(path, []byte("{{{"), 0o644); err != nil {
		t.Fatalf("write corrupt log: %v", err)
	}

	if err := RecordCrash(path, "oom", 10*time.Minute, time.Now()); err != nil {
		t.Fatalf("RecordCrash over corrupt log: %v", err)
	}
	records, err := ReadCrashLog(path)
	if err != nil {
		t.Fatalf("ReadCrashLog: %v", err)
	}
	if len(records) != 1 || records[0].Reason != "oom" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestClearCrashLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashes.json")
	if err := RecordCrash(path, "panic", time.Minute, time.Now()); err != nil {
		t.Fatalf("RecordCrash: %v", err)
	}
	if err := ClearCrashLog(path); err != nil {
		t.Fatalf("ClearCrashLog: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("crash log still present")
	}
	// Clearing again is a no-op.
	if err := ClearCrashLog(path); err != nil {
		t.Fatalf("ClearCrashLog on missing log: %v", err)
	}
}
