// Package memory implements the associative memory store (C1): the
// three-tier write path (in-process hot index, durable vector index,
// local JSON cold spill) and the similarity-ranked query contract every
// agent and the input router build on.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

// Config controls the store's embedding dimension and on-disk layout.
// Keys mirror SPEC_FULL.md's memory.* configuration surface.
type Config struct {
	BaseDir            string
	EmbeddingDimension int
}

// Store is the C1 memory store. One Store is shared by the whole agent
// fabric; all methods are safe for concurrent use.
type Store struct {
	log zerolog.Logger
	cfg Config

	enc    *encoder
	vector *vectorIndex // nil when the durable backend could not be opened

	mu  sync.RWMutex
	hot map[string]*domain.Record

	degradedOnce sync.Once
}

// Open constructs a Store, rebuilding the hot index from cold spill and
// opening the durable vector index. A vector-index open failure does not
// prevent Open from succeeding — the store runs degraded (local-only)
// instead, per §4.1.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	s := &Store{
		log: logger.Component(log, "memory_store"),
		cfg: cfg,
		hot: make(map[string]*domain.Record),
	}
	s.enc = newEncoder(cfg.EmbeddingDimension, func() {
		s.log.Warn().Msg("embedding model unavailable, using deterministic fallback encoder")
	})

	records, fromSnapshot := snapshotLoad(cfg.BaseDir)
	if fromSnapshot {
		if err := os.Remove(snapshotPath(cfg.BaseDir)); err != nil {
			s.log.Warn().Err(err).Msg("failed to remove consumed hot index snapshot")
		}
		s.log.Info().Int("records", len(records)).Msg("hot index restored from crash-safe snapshot")
	} else {
		var err error
		records, err = spillLoadAll(s.spillDir())
		if err != nil {
			return nil, fmt.Errorf("memory: rebuild hot index: %w", err)
		}
	}
	for _, rec := range records {
		s.hot[rec.ID] = rec
	}

	vi, err := openVectorIndex(s.vectorIndexPath())
	if err != nil {
		s.log.Error().Err(err).Msg("durable vector index unavailable, running degraded")
	} else {
		s.vector = vi
		for _, rec := range records {
			if err := vi.upsert(rec); err != nil {
				s.log.Warn().Err(err).Str("id", rec.ID).Msg("failed to rebuild vector index entry")
			}
		}
	}

	s.log.Info().Int("records", len(records)).Bool("vector_backend", s.vector != nil).Msg("memory store opened")
	return s, nil
}

func (s *Store) spillDir() string {
	return filepath.Join(s.cfg.BaseDir, "local_index")
}

// SpillDir exposes the cold-spill directory path so collaborators (the
// reliability mirror) can back it up without reaching into store
// internals.
func (s *Store) SpillDir() string {
	return s.spillDir()
}

func (s *Store) vectorIndexPath() string {
	return filepath.Join(s.cfg.BaseDir, "vectors.db")
}

// Close writes a crash-safe hot index snapshot and releases the durable
// vector index handle.
func (s *Store) Close() error {
	if err := snapshotWrite(s.cfg.BaseDir, s.All()); err != nil {
		s.log.Warn().Err(err).Msg("failed to write hot index snapshot")
	}
	return s.vector.close()
}

// Store persists text with the given content type, source, importance,
// and type-specific metadata. The record is acknowledged once it has
// reached the cold spill or, when the spill write fails, the durable
// vector index; only when both fail does Store return an error. Store is
// idempotent on id collision: re-storing the same id overwrites in
// place rather than duplicating.
func (s *Store) Store(text string, contentType domain.ContentType, source string, importance float64, extra domain.Metadata) (*domain.Record, error) {
	importance = domain.Clamp(importance, 0, 1)

	meta := domain.Metadata{}
	for k, v := range extra {
		meta[k] = v
	}
	meta["content_type"] = string(contentType)
	meta["source"] = source
	meta["importance_score"] = importance

	rec := &domain.Record{
		ID:        uuid.NewString(),
		Text:      text,
		Vector:    s.enc.encode(text),
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	return rec, s.persist(rec)
}

// persist writes rec through every reachable tier, in write-then-ack
// order: durable vector index first (best effort), cold spill second
// (required unless the vector index took the record), hot index last.
// ErrStorageUnavailable is returned only when the cold-spill write fails
// and the vector index did not take the record either.
func (s *Store) persist(rec *domain.Record) error {
	vectorOK := false
	if s.vector != nil {
		if err := s.vector.upsert(rec); err != nil {
			s.log.Warn().Err(err).Str("id", rec.ID).Msg("vector index upsert failed")
		} else {
			vectorOK = true
		}
	}

	if err := spillWrite(s.spillDir(), rec); err != nil {
		if !vectorOK {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		s.log.Error().Err(err).Str("id", rec.ID).Msg("cold spill write failed, record only in vector index")
	}

	s.mu.Lock()
	s.hot[rec.ID] = rec
	s.mu.Unlock()

	if !vectorOK {
		s.noteDegraded()
	}
	return nil
}

// noteDegraded records a one-time system_metrics memory entry the first
// time the durable vector backend is found unavailable. It writes
// directly to the spill tier to avoid recursing back through persist.
func (s *Store) noteDegraded() {
	s.degradedOnce.Do(func() {
		rec := &domain.Record{
			ID:   uuid.NewString(),
			Text: "memory store running degraded: vector index unavailable, serving local-only similarity",
			Metadata: domain.Metadata{
				"content_type":     string(domain.ContentTypeSystemMetrics),
				"source":           "memory_store",
				"importance_score": 0.5,
				"degraded":         true,
			},
			CreatedAt: time.Now().UTC(),
		}
		rec.Vector = s.enc.encode(rec.Text)
		if err := spillWrite(s.spillDir(), rec); err != nil {
			s.log.Error().Err(err).Msg("failed to record degraded-mode memory entry")
			return
		}
		s.mu.Lock()
		s.hot[rec.ID] = rec
		s.mu.Unlock()
	})
}

// Delete removes a record from every tier. Used by the retention compactor.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.hot, id)
	s.mu.Unlock()

	if s.vector != nil {
		if err := s.vector.delete(id); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("vector index delete failed")
		}
	}
	return spillDelete(s.spillDir(), id)
}

// QueryResult pairs a record with its similarity score against the query.
type QueryResult struct {
	Record     *domain.Record
	Similarity float64
}

// Query returns the k most similar records to text, optionally filtered
// to a single content type. Ordering is descending similarity, ties
// broken by importance then recency — identical whether or not the
// durable vector backend is available.
func (s *Store) Query(text string, contentType domain.ContentType, k int) ([]QueryResult, error) {
	queryVec := s.enc.encode(text)

	if s.vector != nil {
		ids, err := s.vector.nearest(queryVec, k*4+k) // over-fetch to allow for content-type filtering
		if err == nil {
			return s.resolveScored(ids, contentType, k), nil
		}
		s.log.Warn().Err(err).Msg("vector index query failed, falling back to linear scan")
	}
	return s.linearScan(queryVec, contentType, k), nil
}

func (s *Store) resolveScored(ids []scoredID, contentType domain.ContentType, k int) []QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]QueryResult, 0, k)
	for _, sid := range ids {
		rec, ok := s.hot[sid.id]
		if !ok {
			continue
		}
		if contentType != "" && rec.ContentType() != contentType {
			continue
		}
		out = append(out, QueryResult{Record: rec, Similarity: sid.similarity})
		if len(out) == k {
			break
		}
	}
	return out
}

func (s *Store) linearScan(queryVec []float32, contentType domain.ContentType, k int) []QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]QueryResult, 0, len(s.hot))
	for _, rec := range s.hot {
		if contentType != "" && rec.ContentType() != contentType {
			continue
		}
		results = append(results, QueryResult{Record: rec, Similarity: cosineSimilarity(queryVec, rec.Vector)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		ii, ij := results[i].Record.Importance(), results[j].Record.Importance()
		if ii != ij {
			return ii > ij
		}
		return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Scan returns every record of the given content type, most recent
// first, with no similarity ranking. Used by agents that want "all
// recent X" rather than "most similar to Y".
func (s *Store) Scan(contentType domain.ContentType, limit int) []*domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*domain.Record, 0)
	for _, rec := range s.hot {
		if contentType == "" || rec.ContentType() == contentType {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Len reports the current hot-index size, used by the retention compactor.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hot)
}

// All returns every record currently held, for the retention compactor's
// eviction scan. Callers must not mutate the returned records.
func (s *Store) All() []*domain.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Record, 0, len(s.hot))
	for _, rec := range s.hot {
		out = append(out, rec)
	}
	return out
}
