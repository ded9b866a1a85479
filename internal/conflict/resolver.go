package conflict

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/store"
)

type Policy string

const (
	// PolicyLocal pushes the local definition to the remote store.
	PolicyLocal Policy = "local"
	// PolicyCloud replaces the local instance with the remote definition.
	PolicyCloud Policy = "cloud"
	// PolicyMerge picks whichever side was updated last; ties favor local.
	PolicyMerge Policy = "merge"
)

// BulkResult aggregates a bulk resolution: it keeps going past individual
// failures instead of aborting the batch.
type BulkResult struct {
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// Resolve applies a policy to a conflict from the last detection pass.
func (d *Detector) Resolve(ctx context.Context, id string, policy Policy) error {
	c := d.Get(id)
	if c == nil {
		return fmt.Errorf("conflict %s not found (stale pass?)", id)
	}
	return d.resolve(ctx, c, policy)
}

// ResolveAll applies one policy to every conflict of the last pass.
func (d *Detector) ResolveAll(ctx context.Context, policy Policy) BulkResult {
	d.mu.Lock()
	conflicts := make([]*store.Conflict, 0, len(d.last))
	for _, c := range d.last {
		conflicts = append(conflicts, c)
	}
	d.mu.Unlock()

	var res BulkResult
	for _, c := range conflicts {
		if err := d.resolve(ctx, c, policy); err != nil {
			logger.Log.Warn("Failed to resolve conflict",
				zap.String("instance", c.InstanceName),
				zap.String("policy", string(policy)),
				zap.Error(err),
			)
			res.Failed++
			continue
		}
		res.Resolved++
	}

	logger.Log.Info("Bulk resolution complete",
		zap.String("policy", string(policy)),
		zap.Int("resolved", res.Resolved),
		zap.Int("failed", res.Failed),
	)
	return res
}

// resolve applies the effective policy under the instance's key lock, so
// it cannot interleave with a drain touching the same instance. The
// remote side applies first; if the local side then fails the conflict
// stays open and the next pass will surface it again.
func (d *Detector) resolve(ctx context.Context, c *store.Conflict, policy Policy) error {
	effective := policy
	if policy == PolicyMerge {
		if c.CloudUpdatedAt.After(c.LocalUpdatedAt) {
			effective = PolicyCloud
		} else {
			effective = PolicyLocal
		}
	}

	unlock := d.locks.Lock(c.InstanceName)
	defer unlock()

	var err error
	switch effective {
	case PolicyLocal:
		err = d.applyLocalWins(ctx, c)
	case PolicyCloud:
		err = d.applyCloudWins(ctx, c)
	default:
		return fmt.Errorf("unknown resolution policy %q", policy)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.last, c.ID)
	d.mu.Unlock()

	logger.Log.Info("Conflict resolved",
		zap.String("instance", c.InstanceName),
		zap.String("type", string(c.Type)),
		zap.String("policy", string(effective)),
	)
	return nil
}

func (d *Detector) applyLocalWins(ctx context.Context, c *store.Conflict) error {
	if c.Local == nil {
		// Nothing local: local wins by removing the remote copy.
		if err := d.remote.DeleteInstance(ctx, c.InstanceName); err != nil {
			return fmt.Errorf("failed to delete remote instance: %w", err)
		}
		d.dropSnapshotName(ctx, c.InstanceName)
		return nil
	}

	if c.Cloud == nil {
		if err := d.remote.CreateInstance(ctx, c.Local); err != nil {
			return fmt.Errorf("failed to push local instance: %w", err)
		}
	} else {
		if err := d.remote.UpdateInstance(ctx, c.Local); err != nil {
			return fmt.Errorf("failed to push local instance: %w", err)
		}
	}
	d.keepSnapshotName(ctx, c.InstanceName)
	return nil
}

func (d *Detector) applyCloudWins(ctx context.Context, c *store.Conflict) error {
	if c.Cloud == nil {
		// Nothing remote: cloud wins by removing the local copy.
		if _, err := d.local.DeleteByName(ctx, c.InstanceName); err != nil {
			return fmt.Errorf("failed to delete local instance: %w", err)
		}
		d.dropSnapshotName(ctx, c.InstanceName)
		return nil
	}

	if _, err := d.local.DeleteByName(ctx, c.InstanceName); err != nil {
		return fmt.Errorf("failed to delete local instance: %w", err)
	}

	recreated := *c.Cloud
	recreated.ID = "" // local id space, not the remote's
	if _, err := d.local.Put(ctx, &recreated); err != nil {
		// Local half failed after the delete. The instance now reads as
		// new-cloud and the same policy re-applies on retry.
		return fmt.Errorf("failed to recreate instance from remote: %w", err)
	}
	d.keepSnapshotName(ctx, c.InstanceName)
	return nil
}

func (d *Detector) keepSnapshotName(ctx context.Context, name string) {
	if err := d.st.PutSnapshotName(ctx, name); err != nil {
		logger.Log.Warn("Failed to record snapshot name", zap.String("name", name), zap.Error(err))
	}
}

func (d *Detector) dropSnapshotName(ctx context.Context, name string) {
	if err := d.st.DeleteSnapshotName(ctx, name); err != nil {
		logger.Log.Warn("Failed to drop snapshot name", zap.String("name", name), zap.Error(err))
	}
}
