package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instance-sync-service/internal/config"
	"instance-sync-service/internal/keymutex"
	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/remote"
	"instance-sync-service/internal/store"
)

// Remote is the slice of the remote store the queue dispatches to.
type Remote interface {
	CreateInstance(ctx context.Context, inst *store.Instance) error
	UpdateInstance(ctx context.Context, inst *store.Instance) error
	DeleteInstance(ctx context.Context, name string) error
}

// Connectivity is re-checked before every remote call during a drain.
type Connectivity interface {
	IsOffline() bool
}

// CustomHandler executes actions of type "custom".
type CustomHandler func(ctx context.Context, action *store.SyncAction) error

// ActionQueue is the durable, ordered log of pending mutations. Every
// status transition is flushed to the store before it is acknowledged;
// the in-memory list is a loaded view of the persisted log, never the
// other way around.
type ActionQueue struct {
	st     store.Store
	remote Remote
	conn   Connectivity
	locks  *keymutex.KeyMutex

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	// classify reports whether a dispatch error is a permanent rejection
	isPermanent func(error) bool

	draining atomic.Bool

	mu      sync.Mutex
	actions []*store.SyncAction
	custom  CustomHandler
}

func NewActionQueue(ctx context.Context, cfg config.QueueConfig, st store.Store, rc Remote, conn Connectivity, locks *keymutex.KeyMutex) (*ActionQueue, error) {
	actions, err := st.ListActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load action log: %w", err)
	}

	q := &ActionQueue{
		st:          st,
		remote:      rc,
		conn:        conn,
		locks:       locks,
		maxAttempts: cfg.GetMaxAttempts(),
		backoffBase: cfg.GetBackoffBase(),
		backoffCap:  cfg.GetBackoffCap(),
		isPermanent: remote.IsPermanent,
		actions:     actions,
	}

	// A crash mid-call leaves actions stuck in processing. The remote
	// call may or may not have landed; requeue them (at-least-once).
	for _, a := range actions {
		if a.Status == store.StatusProcessing {
			a.Status = store.StatusPending
			if err := st.UpdateAction(ctx, a); err != nil {
				return nil, fmt.Errorf("failed to recover action %s: %w", a.ID, err)
			}
			logger.Log.Warn("Requeued interrupted action",
				zap.String("id", a.ID),
				zap.String("resourceKey", a.ResourceKey),
			)
		}
	}

	logger.Log.Info("Loaded action queue", zap.Int("actions", len(actions)))
	return q, nil
}

func (q *ActionQueue) SetCustomHandler(fn CustomHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.custom = fn
}

// Enqueue persists a new pending action and returns a copy of it. The id,
// creation time and position are assigned here.
func (q *ActionQueue) Enqueue(ctx context.Context, actionType store.ActionType, resourceKind, resourceKey string, payload json.RawMessage) (*store.SyncAction, error) {
	if resourceKey == "" {
		return nil, errors.New("queue: resource key required")
	}

	action := &store.SyncAction{
		ID:           uuid.New().String(),
		Type:         actionType,
		ResourceKind: resourceKind,
		ResourceKey:  resourceKey,
		Payload:      append(json.RawMessage(nil), payload...),
		CreatedAt:    time.Now().UTC(),
		Status:       store.StatusPending,
	}

	if err := q.st.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to persist action: %w", err)
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	q.mu.Unlock()

	logger.Log.Info("Enqueued action",
		zap.String("id", action.ID),
		zap.String("type", string(actionType)),
		zap.String("resourceKey", resourceKey),
	)

	return action.Clone(), nil
}

// ProcessQueue runs a single drain pass. A second concurrent call
// coalesces into a no-op; no action is ever dispatched twice in parallel.
// Actions are grouped by resource key and applied strictly in enqueue
// order within a key; across keys no order is guaranteed.
func (q *ActionQueue) ProcessQueue(ctx context.Context) error {
	if !q.draining.CompareAndSwap(false, true) {
		logger.Log.Debug("Drain already active, coalescing")
		return nil
	}
	defer q.draining.Store(false)

	keys, groups := q.pendingGroups()
	if len(keys) == 0 {
		return nil
	}

	logger.Log.Info("Starting drain", zap.Int("resourceKeys", len(keys)))

	for _, key := range keys {
		unlock := q.locks.Lock(key)
		stopped, err := q.drainKey(ctx, key, groups[key])
		unlock()
		if err != nil {
			return err
		}
		if stopped {
			logger.Log.Info("Drain stopped, connectivity lost", zap.String("resourceKey", key))
			return nil
		}
	}

	return nil
}

// drainKey applies one key's pending actions in order. Returns stopped
// when the drain should end cleanly (offline or cancelled), leaving the
// rest of the batch pending.
func (q *ActionQueue) drainKey(ctx context.Context, key string, actions []*store.SyncAction) (bool, error) {
	for _, action := range actions {
		if q.conn.IsOffline() || ctx.Err() != nil {
			return true, nil
		}

		q.mu.Lock()
		pending := action.Status == store.StatusPending
		deferred := !action.NextAttemptAt.IsZero() && action.NextAttemptAt.After(time.Now())
		q.mu.Unlock()
		if !pending {
			continue
		}
		if deferred {
			// Backoff not elapsed. Later actions for this key must wait
			// behind it to preserve enqueue order.
			break
		}

		if err := q.transition(ctx, action, func(a *store.SyncAction) {
			a.Status = store.StatusProcessing
		}); err != nil {
			return false, err
		}

		dispatchErr := q.dispatch(ctx, action)

		if dispatchErr == nil {
			if err := q.transition(ctx, action, func(a *store.SyncAction) {
				a.Status = store.StatusCompleted
				a.LastError = ""
				a.NextAttemptAt = time.Time{}
			}); err != nil {
				return false, err
			}
			logger.Log.Info("Action completed", zap.String("id", action.ID), zap.String("resourceKey", key))
			continue
		}

		if err := q.handleFailure(ctx, action, dispatchErr); err != nil {
			return false, err
		}
		// Whatever the classification, the head of this key did not land;
		// later actions for the key stay pending.
		break
	}

	return false, nil
}

func (q *ActionQueue) dispatch(ctx context.Context, action *store.SyncAction) error {
	switch action.Type {
	case store.ActionCreate, store.ActionUpdate:
		var inst store.Instance
		if err := json.Unmarshal(action.Payload, &inst); err != nil {
			return permanent(fmt.Errorf("bad payload: %w", err))
		}
		if inst.Name == "" {
			inst.Name = action.ResourceKey
		}
		if action.Type == store.ActionCreate {
			return q.remote.CreateInstance(ctx, &inst)
		}
		return q.remote.UpdateInstance(ctx, &inst)

	case store.ActionDelete:
		return q.remote.DeleteInstance(ctx, action.ResourceKey)

	case store.ActionCustom:
		q.mu.Lock()
		handler := q.custom
		q.mu.Unlock()
		if handler == nil {
			return permanent(errors.New("no handler for custom action"))
		}
		return handler(ctx, action)

	default:
		return permanent(fmt.Errorf("unknown action type %q", action.Type))
	}
}

func (q *ActionQueue) handleFailure(ctx context.Context, action *store.SyncAction, dispatchErr error) error {
	perm := isPermanentErr(dispatchErr) || q.isPermanent(dispatchErr)

	if perm {
		err := q.transition(ctx, action, func(a *store.SyncAction) {
			a.Status = store.StatusFailed
			a.LastError = dispatchErr.Error()
			a.ErrorHistory = append(a.ErrorHistory, dispatchErr.Error())
			a.NextAttemptAt = time.Time{}
		})
		if err != nil {
			return err
		}
		logger.Log.Warn("Action rejected, not retrying",
			zap.String("id", action.ID),
			zap.String("resourceKey", action.ResourceKey),
			zap.Error(dispatchErr),
		)
		return nil
	}

	q.mu.Lock()
	exhausted := action.RetryCount >= q.maxAttempts-1
	q.mu.Unlock()

	if exhausted {
		err := q.transition(ctx, action, func(a *store.SyncAction) {
			a.Status = store.StatusFailed
			a.LastError = dispatchErr.Error()
			a.ErrorHistory = append(a.ErrorHistory, dispatchErr.Error())
			a.NextAttemptAt = time.Time{}
		})
		if err != nil {
			return err
		}
		logger.Log.Warn("Action failed, retries exhausted",
			zap.String("id", action.ID),
			zap.String("resourceKey", action.ResourceKey),
			zap.Int("attempts", q.maxAttempts),
			zap.Error(dispatchErr),
		)
		return nil
	}

	delay := q.backoff(action.RetryCount + 1)
	err := q.transition(ctx, action, func(a *store.SyncAction) {
		a.Status = store.StatusPending
		a.RetryCount++
		a.LastError = dispatchErr.Error()
		a.ErrorHistory = append(a.ErrorHistory, dispatchErr.Error())
		a.NextAttemptAt = time.Now().Add(delay)
	})
	if err != nil {
		return err
	}
	logger.Log.Info("Action requeued",
		zap.String("id", action.ID),
		zap.String("resourceKey", action.ResourceKey),
		zap.Int("retryCount", action.RetryCount),
		zap.Duration("backoff", delay),
		zap.Error(dispatchErr),
	)
	return nil
}

// Retry moves one failed action back to pending, eligible immediately.
// Returns the number of actions transitioned (0 or 1).
func (q *ActionQueue) Retry(ctx context.Context, id string) (int, error) {
	return q.retryWhere(ctx, func(a *store.SyncAction) bool { return a.ID == id })
}

// RetryAllFailed moves every failed action back to pending and returns
// the count moved.
func (q *ActionQueue) RetryAllFailed(ctx context.Context) (int, error) {
	return q.retryWhere(ctx, func(a *store.SyncAction) bool { return true })
}

func (q *ActionQueue) retryWhere(ctx context.Context, match func(*store.SyncAction) bool) (int, error) {
	q.mu.Lock()
	var targets []*store.SyncAction
	for _, a := range q.actions {
		if a.Status == store.StatusFailed && match(a) {
			targets = append(targets, a)
		}
	}
	q.mu.Unlock()

	moved := 0
	for _, a := range targets {
		if err := q.transition(ctx, a, func(a *store.SyncAction) {
			a.Status = store.StatusPending
			a.RetryCount++
			a.NextAttemptAt = time.Time{}
		}); err != nil {
			return moved, err
		}
		moved++
	}

	return moved, nil
}

func (q *ActionQueue) GetPendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, a := range q.actions {
		if a.Status == store.StatusPending {
			n++
		}
	}
	return n
}

// GetStats recomputes the aggregate from the action list. Never blocks on
// a drain; the drain only holds the lock for individual transitions.
func (q *ActionQueue) GetStats() store.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats store.QueueStats
	retries := 0
	for _, a := range q.actions {
		stats.Total++
		retries += a.RetryCount
		switch a.Status {
		case store.StatusPending:
			stats.Pending++
		case store.StatusProcessing:
			stats.Processing++
		case store.StatusCompleted:
			stats.Completed++
		case store.StatusFailed:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.AvgRetryCount = float64(retries) / float64(stats.Total)
	}
	return stats
}

// List returns the full action log in enqueue order, as copies.
func (q *ActionQueue) List() []*store.SyncAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*store.SyncAction, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, a.Clone())
	}
	return out
}

// ClearCompleted removes terminal-success actions only.
func (q *ActionQueue) ClearCompleted(ctx context.Context) (int, error) {
	if _, err := q.st.DeleteCompletedActions(ctx); err != nil {
		return 0, fmt.Errorf("failed to clear completed actions: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.actions[:0]
	removed := 0
	for _, a := range q.actions {
		if a.Status == store.StatusCompleted {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept

	return removed, nil
}

// transition mutates an action under the queue lock and flushes it. The
// change is not acknowledged unless the flush succeeds.
func (q *ActionQueue) transition(ctx context.Context, action *store.SyncAction, mutate func(*store.SyncAction)) error {
	q.mu.Lock()
	mutate(action)
	cp := action.Clone()
	q.mu.Unlock()

	if err := q.st.UpdateAction(ctx, cp); err != nil {
		return fmt.Errorf("failed to flush action %s: %w", action.ID, err)
	}
	return nil
}

// pendingGroups snapshots pending actions grouped by resource key, keys
// ordered by their oldest action.
func (q *ActionQueue) pendingGroups() ([]string, map[string][]*store.SyncAction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var keys []string
	groups := make(map[string][]*store.SyncAction)
	for _, a := range q.actions {
		if a.Status != store.StatusPending {
			continue
		}
		if _, ok := groups[a.ResourceKey]; !ok {
			keys = append(keys, a.ResourceKey)
		}
		groups[a.ResourceKey] = append(groups[a.ResourceKey], a)
	}
	return keys, groups
}
