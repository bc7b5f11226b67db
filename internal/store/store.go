package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dockgen/dockgen/internal/config"
	"github.com/dockgen/dockgen/internal/job"
)

var ErrNotFound = errors.New("record not found")

const recordExt = ".json"

// Store keeps one JSON file per generation record under the jobs dir.
type Store struct {
	cfg config.Config
	mu  sync.Mutex
}

func New(cfg config.Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) EnsureDirs() error {
	dirs := []string{s.cfg.BaseDir, s.cfg.JobsDir(), s.cfg.WorkDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %q: %w", dir, err)
		}
	}
	return nil
}

// Save replaces the record file atomically.
func (s *Store) Save(record *job.Record) error {
	if err := validID(record.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	path := s.RecordPath(record.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write record file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace record file: %w", err)
	}
	return nil
}

func (s *Store) Load(id string) (*job.Record, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.RecordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var rec job.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse record file: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every record, oldest first.
func (s *Store) LoadAll() ([]*job.Record, error) {
	entries, err := os.ReadDir(s.cfg.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list records: %w", err)
	}

	records := make([]*job.Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		rec, err := s.Load(id)
		if err != nil {
			return nil, fmt.Errorf("load record %q: %w", id, err)
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.cfg.JobsDir(), id+recordExt)
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid record id %q", id)
	}
	return nil
}
