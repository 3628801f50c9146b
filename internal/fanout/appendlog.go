package fanout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aristath/sentinel/internal/events"
)

// appendLogSet buffers strategy/performance events per class and
// flushes each buffer to its own append-only file whenever it reaches
// flushSize entries, or when flushAll is called (periodic tick or
// shutdown). Flush is atomic per buffer: one os.File.Write call per
// flush, never an interleaved partial write.
type appendLogSet struct {
	dir       string
	flushSize int

	mu      sync.Mutex
	buffers map[events.EventType][]*events.Event
}

func newAppendLogSet(dir string, flushSize int) *appendLogSet {
	return &appendLogSet{
		dir:       dir,
		flushSize: flushSize,
		buffers:   make(map[events.EventType][]*events.Event),
	}
}

func (s *appendLogSet) append(e *events.Event) error {
	s.mu.Lock()
	s.buffers[e.Type] = append(s.buffers[e.Type], e)
	shouldFlush := len(s.buffers[e.Type]) >= s.flushSize
	s.mu.Unlock()

	if shouldFlush {
		return s.flush(e.Type)
	}
	return nil
}

func (s *appendLogSet) flush(t events.EventType) error {
	s.mu.Lock()
	batch := s.buffers[t]
	s.buffers[t] = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return writeBatch(s.dir, t, batch)
}

func (s *appendLogSet) flushAll() error {
	s.mu.Lock()
	types := make([]events.EventType, 0, len(s.buffers))
	for t := range s.buffers {
		types = append(types, t)
	}
	s.mu.Unlock()

	for _, t := range types {
		if err := s.flush(t); err != nil {
			return err
		}
	}
	return nil
}

func writeBatch(dir string, t events.EventType, batch []*events.Event) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fanout: create log dir: %w", err)
	}

	var buf []byte
	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("fanout: marshal event: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	path := filepath.Join(dir, string(t)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fanout: open log file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("fanout: write log file %s: %w", path, err)
	}
	return nil
}
