package runstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// Store provides persistence for run state.
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Save(ctx context.Context, run *Run) error
	List(ctx context.Context, filter Filter) ([]*Run, error)
	Latest(ctx context.Context) (*Run, error)
}

// Lock is an exclusive lock on one run.
type Lock struct {
	fl *flock.Flock
}

// Release releases the lock and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	os.Remove(l.fl.Path())
	l.fl = nil
	return err
}

// YAMLStore persists runs as YAML files with atomic writes. Locking is per run
// so different runs can proceed in parallel.
type YAMLStore struct {
	dir string
}

var _ Store = (*YAMLStore)(nil)

// NewYAMLStore creates the directory if needed and finishes any write that
// was interrupted by a crash.
func NewYAMLStore(dir string) (*YAMLStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, cmerrors.IOWriteError(dir, err)
	}
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}
	return &YAMLStore{dir: dir}, nil
}

// Dir returns the runs directory.
func (s *YAMLStore) Dir() string { return s.dir }

func (s *YAMLStore) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// AcquireLock takes the run's lock without blocking. It fails when another
// orchestrator already drives the run.
func (s *YAMLStore) AcquireLock(id string) (*Lock, error) {
	fl := flock.New(s.path(id) + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking run %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("run %s is already being orchestrated (lock held)", id)
	}
	return &Lock{fl: fl}, nil
}

// IsLocked reports whether another process holds the run's lock.
func (s *YAMLStore) IsLocked(id string) bool {
	lockPath := s.path(id) + ".lock"
	if _, err := os.Stat(lockPath); err != nil {
		return false
	}
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil || !ok {
		return true
	}
	fl.Unlock()
	return false
}

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
		} else {
			os.Rename(tmpPath, mainPath)
		}
	}
	return nil
}

// Create persists a new run.
func (s *YAMLStore) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return cmerrors.ConfigMissingField("run.id")
	}
	if _, err := os.Stat(s.path(run.ID)); err == nil {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	return s.Save(ctx, run)
}

// Get loads a run by id.
func (s *YAMLStore) Get(ctx context.Context, id string) (*Run, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmerrors.IOFileNotFound(path).WithDetail("run_id", id)
		}
		return nil, cmerrors.IOReadError(path, err)
	}
	var run Run
	if err := yaml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run %s: %w", id, err)
	}
	run.ensureMaps()
	return &run, nil
}

// Save writes the run atomically (write-then-rename).
func (s *YAMLStore) Save(ctx context.Context, run *Run) error {
	data, err := yaml.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	mainPath := s.path(run.ID)
	tmpPath := mainPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return cmerrors.IOWriteError(tmpPath, err)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		os.Remove(tmpPath)
		return cmerrors.IOWriteError(mainPath, err)
	}
	return nil
}

// List returns runs matching filter, oldest first. Unreadable files are skipped.
func (s *YAMLStore) List(ctx context.Context, filter Filter) ([]*Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var runs []*Run
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") {
			continue
		}
		run, err := s.Get(ctx, strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// Latest returns the most recently created run, or nil when there are none.
func (s *YAMLStore) Latest(ctx context.Context) (*Run, error) {
	runs, err := s.List(ctx, Filter{})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[len(runs)-1], nil
}
