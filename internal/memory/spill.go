package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/sentinel/internal/domain"
)

// spillWrite persists a record to local_index/<id>.json. Store
// acknowledges a write once it lands here or, when this write fails, in
// the durable vector index (§4.1 storage policy).
func spillWrite(dir string, rec *domain.Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: create spill dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memory: marshal record %s: %w", rec.ID, err)
	}
	path := filepath.Join(dir, rec.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write spill file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: finalize spill file: %w", err)
	}
	return nil
}

// spillDelete removes a record's cold-spill file, used by the retention
// compactor.
func spillDelete(dir, id string) error {
	err := os.Remove(filepath.Join(dir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: delete spill file: %w", err)
	}
	return nil
}

// spillLoadAll rebuilds the in-process hot index from cold spill on
// restart — (a) and (b) are best-effort caches rebuilt from (c).
func spillLoadAll(dir string) ([]*domain.Record, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read spill dir: %w", err)
	}

	records := make([]*domain.Record, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}
