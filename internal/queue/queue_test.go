package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instance-sync-service/internal/config"
	"instance-sync-service/internal/keymutex"
	"instance-sync-service/internal/remote"
	"instance-sync-service/internal/store"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	// hook runs for every call; its error is the call's outcome
	hook  func(op, key string) error
	delay time.Duration
}

func (f *fakeRemote) record(op, key string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, op+":"+key)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(op, key)
	}
	return nil
}

func (f *fakeRemote) CreateInstance(ctx context.Context, inst *store.Instance) error {
	return f.record("create", inst.Name)
}

func (f *fakeRemote) UpdateInstance(ctx context.Context, inst *store.Instance) error {
	return f.record("update", inst.Name)
}

func (f *fakeRemote) DeleteInstance(ctx context.Context, name string) error {
	return f.record("delete", name)
}

func (f *fakeRemote) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeConn struct {
	mu      sync.Mutex
	offline bool
}

func (f *fakeConn) IsOffline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offline
}

func (f *fakeConn) set(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts: 3,
		BackoffBase: "1ms",
		BackoffCap:  "4ms",
	}
}

func newTestQueue(t *testing.T) (*ActionQueue, *fakeRemote, *fakeConn, store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	st, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rc := &fakeRemote{}
	conn := &fakeConn{}
	q, err := NewActionQueue(context.Background(), testQueueConfig(), st, rc, conn, keymutex.New())
	require.NoError(t, err)
	return q, rc, conn, st, path
}

func enqueue(t *testing.T, q *ActionQueue, actionType store.ActionType, key string) *store.SyncAction {
	t.Helper()
	payload := json.RawMessage(fmt.Sprintf(`{"name":%q,"version":"1.20","loader":"fabric"}`, key))
	a, err := q.Enqueue(context.Background(), actionType, "instance", key, payload)
	require.NoError(t, err)
	return a
}

// waitDrained drains until no pending action remains eligible, bounded.
func drainUntilSettled(t *testing.T, q *ActionQueue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, q.ProcessQueue(context.Background()))
		if q.GetPendingCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue did not settle; %d still pending", q.GetPendingCount())
}

func TestEnqueueOfflineSurvivesRestart(t *testing.T) {
	q, rc, conn, st, _ := newTestQueue(t)
	conn.set(true)

	enqueue(t, q, store.ActionCreate, "alpha")
	enqueue(t, q, store.ActionUpdate, "alpha")
	enqueue(t, q, store.ActionCreate, "beta")

	require.NoError(t, q.ProcessQueue(context.Background()))
	require.Empty(t, rc.callList(), "offline drain must not call remote")

	// simulate restart: rebuild from the same store
	conn2 := &fakeConn{}
	q2, err := NewActionQueue(context.Background(), testQueueConfig(), st, rc, conn2, keymutex.New())
	require.NoError(t, err)

	require.Equal(t, 3, q2.GetPendingCount())
	actions := q2.List()
	require.Equal(t, "alpha", actions[0].ResourceKey)
	require.Equal(t, store.ActionCreate, actions[0].Type)
	require.Equal(t, "alpha", actions[1].ResourceKey)
	require.Equal(t, store.ActionUpdate, actions[1].Type)
	require.Equal(t, "beta", actions[2].ResourceKey)
}

func TestPerKeyOrderPreserved(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	enqueue(t, q, store.ActionCreate, "alpha")
	enqueue(t, q, store.ActionCreate, "beta")
	enqueue(t, q, store.ActionUpdate, "alpha")
	enqueue(t, q, store.ActionDelete, "alpha")

	drainUntilSettled(t, q)

	var alpha []string
	for _, c := range rc.callList() {
		if c == "create:alpha" || c == "update:alpha" || c == "delete:alpha" {
			alpha = append(alpha, c)
		}
	}
	require.Equal(t, []string{"create:alpha", "update:alpha", "delete:alpha"}, alpha)

	stats := q.GetStats()
	require.Equal(t, 4, stats.Completed)
}

func TestConcurrentDrainsCoalesce(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)
	rc.delay = 30 * time.Millisecond

	enqueue(t, q, store.ActionCreate, "alpha")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, q.ProcessQueue(context.Background()))
		}()
	}
	wg.Wait()

	require.Len(t, rc.callList(), 1, "action dispatched more than once")
}

func TestTransientFailureBacksOffThenSucceeds(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	fails := 1
	rc.hook = func(op, key string) error {
		if fails > 0 {
			fails--
			return errors.New("connection reset")
		}
		return nil
	}

	a := enqueue(t, q, store.ActionCreate, "alpha")

	require.NoError(t, q.ProcessQueue(context.Background()))
	actions := q.List()
	require.Equal(t, store.StatusPending, actions[0].Status)
	require.Equal(t, 1, actions[0].RetryCount)
	require.Len(t, actions[0].ErrorHistory, 1)
	require.False(t, actions[0].NextAttemptAt.IsZero())

	drainUntilSettled(t, q)

	actions = q.List()
	require.Equal(t, a.ID, actions[0].ID)
	require.Equal(t, store.StatusCompleted, actions[0].Status)
	require.Len(t, rc.callList(), 2)
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	rc.hook = func(op, key string) error {
		return &remote.APIError{StatusCode: 422, Code: "E_INVALID", Message: "bad loader"}
	}

	enqueue(t, q, store.ActionCreate, "alpha")
	require.NoError(t, q.ProcessQueue(context.Background()))

	actions := q.List()
	require.Equal(t, store.StatusFailed, actions[0].Status)
	require.Equal(t, 0, actions[0].RetryCount)
	require.Contains(t, actions[0].LastError, "bad loader")
	require.Len(t, rc.callList(), 1)

	// further drains must not touch it
	require.NoError(t, q.ProcessQueue(context.Background()))
	require.Len(t, rc.callList(), 1)
}

func TestRetriesExhaustedBecomesFailed(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	rc.hook = func(op, key string) error { return errors.New("timeout") }

	enqueue(t, q, store.ActionCreate, "alpha")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, q.ProcessQueue(context.Background()))
		if q.GetStats().Failed == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	actions := q.List()
	require.Equal(t, store.StatusFailed, actions[0].Status)
	// MaxAttempts bounds total attempts
	require.Len(t, rc.callList(), 3)
	require.Len(t, actions[0].ErrorHistory, 3)
}

func TestRetryAllFailed(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	rc.hook = func(op, key string) error {
		return &remote.APIError{StatusCode: 403, Code: "E_DENIED", Message: "denied"}
	}

	enqueue(t, q, store.ActionCreate, "alpha")
	enqueue(t, q, store.ActionCreate, "beta")
	require.NoError(t, q.ProcessQueue(context.Background()))
	require.Equal(t, 2, q.GetStats().Failed)
	require.Len(t, rc.callList(), 2)

	moved, err := q.RetryAllFailed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, moved)
	require.Equal(t, 2, q.GetPendingCount())

	// each retried action gets exactly one more attempt
	require.NoError(t, q.ProcessQueue(context.Background()))
	require.Len(t, rc.callList(), 4)
	require.Equal(t, 2, q.GetStats().Failed)
}

func TestRetrySingle(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	rc.hook = func(op, key string) error {
		return &remote.APIError{StatusCode: 400, Code: "E_BAD", Message: "nope"}
	}

	a := enqueue(t, q, store.ActionCreate, "alpha")
	enqueue(t, q, store.ActionCreate, "beta")
	require.NoError(t, q.ProcessQueue(context.Background()))

	moved, err := q.Retry(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	moved, err = q.Retry(context.Background(), "no-such-id")
	require.NoError(t, err)
	require.Equal(t, 0, moved)

	actions := q.List()
	require.Equal(t, store.StatusPending, actions[0].Status)
	require.Equal(t, 1, actions[0].RetryCount)
	require.Equal(t, store.StatusFailed, actions[1].Status)
}

func TestOfflineMidDrainStopsCleanly(t *testing.T) {
	q, rc, conn, _, _ := newTestQueue(t)

	rc.hook = func(op, key string) error {
		// connectivity drops right after the first successful call
		conn.set(true)
		return nil
	}

	enqueue(t, q, store.ActionCreate, "alpha")
	enqueue(t, q, store.ActionCreate, "beta")
	enqueue(t, q, store.ActionCreate, "gamma")

	require.NoError(t, q.ProcessQueue(context.Background()))

	require.Len(t, rc.callList(), 1)
	stats := q.GetStats()
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 2, stats.Pending)
	require.Equal(t, 0, stats.Processing, "no action may be left mid-transition")
}

func TestClearCompletedLeavesOthers(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	rc.hook = func(op, key string) error {
		if key == "bad" {
			return &remote.APIError{StatusCode: 422, Code: "E_INVALID", Message: "rejected"}
		}
		return nil
	}

	enqueue(t, q, store.ActionCreate, "alpha")
	enqueue(t, q, store.ActionCreate, "bad")
	require.NoError(t, q.ProcessQueue(context.Background()))

	enqueue(t, q, store.ActionCreate, "later") // no drain after this, stays pending

	removed, err := q.ClearCompleted(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	stats := q.GetStats()
	require.Equal(t, 0, stats.Completed)
	require.Equal(t, 1, stats.Failed)
	require.GreaterOrEqual(t, stats.Pending, 1)
}

func TestStatsAggregation(t *testing.T) {
	q, rc, _, _, _ := newTestQueue(t)

	rc.hook = func(op, key string) error { return errors.New("flaky") }

	enqueue(t, q, store.ActionCreate, "alpha")
	require.NoError(t, q.ProcessQueue(context.Background()))

	stats := q.GetStats()
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Pending)
	require.InDelta(t, 1.0, stats.AvgRetryCount, 0.001)
}

func TestInterruptedProcessingRecoveredOnLoad(t *testing.T) {
	q, rc, _, st, _ := newTestQueue(t)

	a := enqueue(t, q, store.ActionCreate, "alpha")

	// simulate a crash mid-call: flushed as processing, never finished
	raw := q.List()[0]
	raw.Status = store.StatusProcessing
	require.NoError(t, st.UpdateAction(context.Background(), raw))

	q2, err := NewActionQueue(context.Background(), testQueueConfig(), st, rc, &fakeConn{}, keymutex.New())
	require.NoError(t, err)

	actions := q2.List()
	require.Equal(t, a.ID, actions[0].ID)
	require.Equal(t, store.StatusPending, actions[0].Status)
}
