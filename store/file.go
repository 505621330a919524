package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/exp/slices"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore keeps identifiers as a flat JSON array in a single file. The file only grows;
// every insert rewrites it atomically through a temporary file. The format has no room for
// names or last-seen times, so Touch is a no-op.
type FileStore struct {
	path string

	mu  sync.Mutex
	ids map[int64]struct{}
}

// OpenFile reads path if it exists. A missing file is an empty set.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path, ids: make(map[int64]struct{})}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode users file %s: %w", path, err)
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s, nil
}

func (s *FileStore) Load(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(), nil
}

func (s *FileStore) HasSeen(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok, nil
}

func (s *FileStore) Upsert(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[u.ID]; ok {
		return nil
	}
	s.ids[u.ID] = struct{}{}
	if err := s.flushLocked(); err != nil {
		// keep memory and disk in agreement so the next insert retries the write
		delete(s.ids, u.ID)
		return err
	}
	return nil
}

func (s *FileStore) Touch(context.Context, int64, time.Time) error { return nil }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) sortedLocked() []int64 {
	ids := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *FileStore) flushLocked() error {
	data, err := json.Marshal(s.sortedLocked())
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write users file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write users file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace users file: %w", err)
	}
	return nil
}
