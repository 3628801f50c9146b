package memory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/sentinel/internal/domain"
)

// snapshotPath is the compact binary side-channel of the hot index: a
// single file restart can load in one read instead of re-scanning every
// individual cold-spill JSON file. The cold spill tier remains the
// source of truth; a missing or corrupt snapshot always falls back to
// the full spillLoadAll scan.
func snapshotPath(baseDir string) string {
	return filepath.Join(baseDir, "hot_index.msgpack")
}

// snapshotWrite persists the current hot index for crash-safe restart.
// Called on a clean Close. Open removes the snapshot once it has loaded
// it, so an unclean shutdown leaves no snapshot behind and the next Open
// rebuilds from cold spill.
func snapshotWrite(baseDir string, records []*domain.Record) error {
	data, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("memory: marshal hot index snapshot: %w", err)
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("memory: create snapshot directory: %w", err)
	}

	path := snapshotPath(baseDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write hot index snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: finalize hot index snapshot: %w", err)
	}
	return nil
}

// snapshotLoad reads a previously written hot index snapshot. ok is
// false whenever the snapshot is absent or fails to decode, signaling
// the caller to fall back to rebuilding from cold spill.
func snapshotLoad(baseDir string) (records []*domain.Record, ok bool) {
	data, err := os.ReadFile(snapshotPath(baseDir))
	if err != nil {
		return nil, false
	}
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, false
	}
	return records, true
}
