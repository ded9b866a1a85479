package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instance-sync-service/internal/keymutex"
	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/store"
)

// Local is the slice of the local instance store the detector needs.
type Local interface {
	List(ctx context.Context) ([]*store.Instance, error)
	Put(ctx context.Context, inst *store.Instance) (*store.Instance, error)
	DeleteByName(ctx context.Context, name string) (bool, error)
}

// Remote is the slice of the remote store the detector needs.
type Remote interface {
	ListInstances(ctx context.Context) ([]*store.Instance, error)
	CreateInstance(ctx context.Context, inst *store.Instance) error
	UpdateInstance(ctx context.Context, inst *store.Instance) error
	DeleteInstance(ctx context.Context, name string) error
}

// Detector diffs the full local and remote collections, matched by
// instance name, and classifies the divergence. Conflicts it finds are
// ephemeral: each pass replaces the previous one.
type Detector struct {
	local  Local
	remote Remote
	st     store.Store
	locks  *keymutex.KeyMutex

	mu   sync.Mutex
	last map[string]*store.Conflict // by conflict id, last completed pass
}

func NewDetector(local Local, remote Remote, st store.Store, locks *keymutex.KeyMutex) *Detector {
	return &Detector{
		local:  local,
		remote: remote,
		st:     st,
		locks:  locks,
		last:   make(map[string]*store.Conflict),
	}
}

// Detect runs one detection pass. A remote listing failure reports zero
// conflicts rather than an error; divergence found while unreachable will
// be found again by the next pass.
func (d *Detector) Detect(ctx context.Context) ([]*store.Conflict, error) {
	locals, err := d.local.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local instances: %w", err)
	}

	remotes, err := d.remote.ListInstances(ctx)
	if err != nil {
		logger.Log.Warn("Remote listing unreachable, reporting no conflicts", zap.Error(err))
		return []*store.Conflict{}, nil
	}

	snapshot := make(map[string]bool)
	if names, err := d.st.ListSnapshotNames(ctx); err != nil {
		logger.Log.Warn("Failed to read last-sync snapshot", zap.Error(err))
	} else {
		for _, n := range names {
			snapshot[n] = true
		}
	}

	localByName := make(map[string]*store.Instance, len(locals))
	for _, inst := range locals {
		localByName[inst.Name] = inst
	}
	remoteByName := make(map[string]*store.Instance, len(remotes))
	for _, inst := range remotes {
		remoteByName[inst.Name] = inst
	}

	names := make([]string, 0, len(localByName)+len(remoteByName))
	seen := make(map[string]bool)
	for name := range localByName {
		names = append(names, name)
		seen[name] = true
	}
	for name := range remoteByName {
		if !seen[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	now := time.Now().UTC()
	conflicts := make([]*store.Conflict, 0)
	for _, name := range names {
		l := localByName[name]
		r := remoteByName[name]
		c := classify(name, l, r, snapshot)
		if c == nil {
			continue
		}
		c.ID = uuid.New().String()
		c.DetectedAt = now
		conflicts = append(conflicts, c)
	}

	d.mu.Lock()
	d.last = make(map[string]*store.Conflict, len(conflicts))
	for _, c := range conflicts {
		d.last[c.ID] = c
	}
	d.mu.Unlock()

	if len(conflicts) == 0 {
		// Both sides agree: record the converged name set so future
		// passes can tell a deletion from a never-synced instance.
		if err := d.st.ReplaceSnapshot(ctx, names); err != nil {
			logger.Log.Warn("Failed to refresh last-sync snapshot", zap.Error(err))
		}
	}

	logger.Log.Info("Conflict detection pass complete",
		zap.Int("local", len(locals)),
		zap.Int("remote", len(remotes)),
		zap.Int("conflicts", len(conflicts)),
	)

	return conflicts, nil
}

// Get returns a conflict from the last completed pass, or nil.
func (d *Detector) Get(id string) *store.Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last[id]
}

// classify decides whether one name is in conflict. Two unrelated
// instances sharing a name are indistinguishable from a genuine conflict;
// the name is the only cross-device identity available before first sync.
func classify(name string, l, r *store.Instance, snapshot map[string]bool) *store.Conflict {
	switch {
	case l != nil && r != nil:
		if l.Version == r.Version && l.Loader == r.Loader {
			return nil
		}
		return &store.Conflict{
			InstanceName:   name,
			Local:          l,
			Cloud:          r,
			Type:           store.ConflictModified,
			LocalUpdatedAt: l.UpdatedAt(),
			CloudUpdatedAt: r.UpdatedAt(),
		}

	case l != nil:
		t := store.ConflictNewLocal
		if snapshot[name] {
			// Existed on both sides at last sync, gone remotely now.
			t = store.ConflictDeletedCloud
		}
		return &store.Conflict{
			InstanceName:   name,
			Local:          l,
			Type:           t,
			LocalUpdatedAt: l.UpdatedAt(),
		}

	default:
		t := store.ConflictNewCloud
		if snapshot[name] {
			t = store.ConflictDeletedLocally
		}
		return &store.Conflict{
			InstanceName:   name,
			Cloud:          r,
			Type:           t,
			CloudUpdatedAt: r.UpdatedAt(),
		}
	}
}
