package memory

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/sentinel/internal/domain"
	_ "github.com/mattn/go-sqlite3" // durable vector index backend (cgo driver, kept apart from the pure-Go ledger driver)
	"gonum.org/v1/gonum/floats"
)

// vectorIndex is the durable similarity-search tier (b). It is deliberately
// built on a different SQLite driver than the metadata ledger (C2): if the
// cgo toolchain needed by go-sqlite3 is unavailable, only this tier is
// affected, which is exactly the StorageUnavailable/degraded split §4.1
// and §7 describe.
type vectorIndex struct {
	db *sql.DB
}

func openVectorIndex(path string) (*vectorIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open vector index: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: ping vector index: %w", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS vectors (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		importance REAL NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: create vector index schema: %w", err)
	}
	return &vectorIndex{db: db}, nil
}

func (v *vectorIndex) close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func (v *vectorIndex) upsert(rec *domain.Record) error {
	_, err := v.db.Exec(
		`INSERT INTO vectors (id, vector, importance, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET vector=excluded.vector, importance=excluded.importance, created_at=excluded.created_at`,
		rec.ID, encodeVector(rec.Vector), rec.Importance(), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("memory: upsert vector: %w", err)
	}
	return nil
}

func (v *vectorIndex) delete(id string) error {
	if _, err := v.db.Exec(`DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("memory: delete vector: %w", err)
	}
	return nil
}

type scoredID struct {
	id         string
	similarity float64
	importance float64
	createdAt  time.Time
}

// nearest returns the ids with the highest cosine similarity to query,
// ties broken by importance then recency, exactly matching Store.query's
// ordering contract so callers can't tell the difference between the
// durable-backend and linear-scan fallback paths.
func (v *vectorIndex) nearest(query []float32, k int) ([]scoredID, error) {
	rows, err := v.db.Query(`SELECT id, vector, importance, created_at FROM vectors`)
	if err != nil {
		return nil, fmt.Errorf("memory: scan vectors: %w", err)
	}
	defer rows.Close()

	var scored []scoredID
	for rows.Next() {
		var id string
		var blob []byte
		var importance float64
		var createdAtNano int64
		if err := rows.Scan(&id, &blob, &importance, &createdAtNano); err != nil {
			return nil, fmt.Errorf("memory: scan vector row: %w", err)
		}
		vec := decodeVector(blob)
		scored = append(scored, scoredID{
			id:         id,
			similarity: cosineSimilarity(query, vec),
			importance: importance,
			createdAt:  time.Unix(0, createdAtNano),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func sortScored(scored []scoredID) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].similarity != scored[j].similarity {
			return scored[i].similarity > scored[j].similarity
		}
		if scored[i].importance != scored[j].importance {
			return scored[i].importance > scored[j].importance
		}
		return scored[i].createdAt.After(scored[j].createdAt)
	})
}

// cosineSimilarity is the ranking primitive for every similarity query,
// durable-backend or fallback alike.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	af := make([]float64, n)
	bf := make([]float64, n)
	for i := 0; i < n; i++ {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}
	dot := floats.Dot(af, bf)
	normA := floats.Norm(af, 2)
	normB := floats.Norm(bf, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

func encodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, &v)
	return v
}
