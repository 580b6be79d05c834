package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CrashRecord is one entry in the rolling crash log.
type CrashRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// ErrCrashLoop is returned by CheckCrashLoop when recent crashes reach
// the threshold. It is the only error that may keep the daemon from
// starting.
var ErrCrashLoop = errors.New("crash loop detected")

// ReadCrashLog loads the crash log at path. A missing file means zero
// crashes, not an error.
func ReadCrashLog(path string) ([]CrashRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read crash log: %w", err)
	}
	var records []CrashRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse crash log: %w", err)
	}
	return records, nil
}

// RecordCrash appends a record to the crash log, dropping entries older
// than window so the log stays bounded. A corrupt existing log is
// replaced rather than allowed to mask the crash being recorded.
func RecordCrash(path, reason string, window time.Duration, now time.Time) error {
	records, err := ReadCrashLog(path)
	if err != nil {
		records = nil
	}
	cutoff := now.Add(-window)
	kept := make([]CrashRecord, 0, len(records)+1)
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	kept = append(kept, CrashRecord{Timestamp: now.UTC(), Reason: reason})

	data, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash log: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create crash log dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write crash log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace crash log: %w", err)
	}
	return nil
}

// CheckCrashLoop counts crash records younger than window and returns
// ErrCrashLoop once the count reaches threshold. It must be consulted
// before the PID file is written or the poll loop starts. Any other
// error means the log could not be read; the caller decides whether
// that blocks startup.
func CheckCrashLoop(path string, threshold int, window time.Duration, now time.Time) error {
	if threshold <= 0 {
		return nil
	}
	records, err := ReadCrashLog(path)
	if err != nil {
		return err
	}
	cutoff := now.Add(-window)
	recent := 0
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			recent++
		}
	}
	if recent >= threshold {
		return fmt.Errorf("%w: %d crashes within %s", ErrCrashLoop, recent, window)
	}
	return nil
}

// ClearCrashLog removes the crash log, re-arming startup after an
// operator has investigated. A missing log is a no-op.
func ClearCrashLog(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear crash log: %w", err)
	}
	return nil
}
