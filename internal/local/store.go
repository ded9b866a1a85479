package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/store"
)

var (
	ErrNotFound      = errors.New("local: instance not found")
	ErrAlreadyExists = errors.New("local: instance already exists")
)

// Store keeps one JSON document per instance under a single directory.
// Instances are addressed by local id; the name is the natural key the
// sync layer matches on.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instances dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) List(ctx context.Context) ([]*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) Get(ctx context.Context, id string) (*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.read(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *Store) GetByName(ctx context.Context, name string) (*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			return inst, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Store) Create(ctx context.Context, name, version, loader string) (*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, existing := range instances {
		if existing.Name == name {
			return nil, ErrAlreadyExists
		}
	}

	inst := &store.Instance{
		ID:        uuid.New().String(),
		Name:      name,
		Version:   version,
		Loader:    loader,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.write(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Put writes an instance definition as-is, assigning an id when missing.
// The resolver uses it to recreate an instance from the remote definition.
func (s *Store) Put(ctx context.Context, inst *store.Instance) (*store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	if err := s.write(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// DeleteByName removes the instance with the given name if present, and
// reports whether anything was deleted.
func (s *Store) DeleteByName(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, err := s.list()
	if err != nil {
		return false, err
	}
	for _, inst := range instances {
		if inst.Name == name {
			if err := os.Remove(s.path(inst.ID)); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) list() ([]*store.Instance, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read instances dir: %w", err)
	}

	instances := make([]*store.Instance, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		inst, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// A corrupt document should not take the whole collection down.
			logger.Log.Warn("Skipping unreadable instance file",
				zap.String("file", e.Name()),
				zap.Error(err),
			)
			continue
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

func (s *Store) read(path string) (*store.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var inst store.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &inst, nil
}

func (s *Store) write(inst *store.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(inst.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write instance: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit instance: %w", err)
	}
	return nil
}
