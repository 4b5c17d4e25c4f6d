package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Seqno is a monotonic counter persisted as a JSON integer. Next hands out
// values in memory; Commit makes the current value durable. A value handed
// out stays in flight until the writer calls Done, and Stored never goes past
// a value in flight.
type Seqno struct {
	path string

	mu       sync.Mutex
	value    int64
	dirty    bool
	inflight map[int64]struct{}
}

// OpenSeqno restores the counter stored at path, starting from 0 when the
// file does not exist yet.
func OpenSeqno(path string) (*Seqno, error) {
	s := &Seqno{path: path, inflight: make(map[int64]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.value); err != nil {
		return nil, fmt.Errorf("corrupted seqno %s: %w", path, err)
	}
	return s, nil
}

// Next increments the counter and returns the new value, in flight until
// Done is called with it.
func (s *Seqno) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value++
	s.dirty = true
	s.inflight[s.value] = struct{}{}
	return s.value
}

// Done marks seqnos handed out by Next as stored, or abandoned.
func (s *Seqno) Done(seqnos ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range seqnos {
		delete(s.inflight, v)
	}
}

// Stored is the highest value below which nothing is in flight: everything
// written under a seqno up to it is on disk and indexed.
func (s *Seqno) Stored() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.value
	for v := range s.inflight {
		if v <= res {
			res = v - 1
		}
	}
	return res
}

// Value ...
func (s *Seqno) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Ensure raises the counter to at least v, eg. after finding seqnos on disk
// that were handed out but never committed.
func (s *Seqno) Ensure(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.value {
		s.value = v
		s.dirty = true
	}
}

// Commit writes the value if it changed since the last commit.
func (s *Seqno) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	if err := writeFileSync(s.path, []byte(fmt.Sprintf("%d", s.value))); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// writeFileSync writes data to path with temp-then-rename, syncing the temp
// file before the rename.
func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
