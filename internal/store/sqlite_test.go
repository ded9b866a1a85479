package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newAction(key string) *SyncAction {
	return &SyncAction{
		ID:           uuid.New().String(),
		Type:         ActionCreate,
		ResourceKind: "instance",
		ResourceKey:  key,
		Payload:      json.RawMessage(`{"name":"` + key + `"}`),
		CreatedAt:    time.Now().UTC(),
		Status:       StatusPending,
	}
}

func TestActionOrderSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)

	keys := []string{"alpha", "beta", "gamma", "alpha", "beta"}
	var ids []string
	for _, k := range keys {
		a := newAction(k)
		require.NoError(t, s.CreateAction(ctx, a))
		ids = append(ids, a.ID)
	}

	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	actions, err := reopened.ListActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, len(keys))
	for i, a := range actions {
		require.Equal(t, ids[i], a.ID, "order changed at index %d", i)
		require.Equal(t, keys[i], a.ResourceKey)
		require.Equal(t, StatusPending, a.Status)
		require.Equal(t, int64(i+1), a.Position)
	}
}

func TestUpdateActionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a := newAction("alpha")
	require.NoError(t, s.CreateAction(ctx, a))

	a.Status = StatusFailed
	a.RetryCount = 2
	a.LastError = "connection refused"
	a.ErrorHistory = []string{"timeout", "connection refused"}
	a.NextAttemptAt = time.Now().Add(time.Minute).UTC()
	require.NoError(t, s.UpdateAction(ctx, a))

	actions, err := s.ListActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	got := actions[0]
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, "connection refused", got.LastError)
	require.Equal(t, []string{"timeout", "connection refused"}, got.ErrorHistory)
	require.False(t, got.NextAttemptAt.IsZero())
}

func TestUpdateUnknownActionFails(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.UpdateAction(context.Background(), newAction("ghost"))
	require.Error(t, err)
}

func TestDeleteCompletedActions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	statuses := []ActionStatus{StatusPending, StatusCompleted, StatusFailed, StatusCompleted}
	for _, st := range statuses {
		a := newAction("k")
		require.NoError(t, s.CreateAction(ctx, a))
		a.Status = st
		require.NoError(t, s.UpdateAction(ctx, a))
	}

	n, err := s.DeleteCompletedActions(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	actions, err := s.ListActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		require.NotEqual(t, StatusCompleted, a.Status)
	}
}

func TestCacheEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	now := time.Now().UTC()
	entry := &CacheEntry{
		Key:       "requestcache:news",
		Data:      json.RawMessage(`{"items":[]}`),
		Timestamp: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.PutCacheEntry(ctx, entry))

	got, err := s.GetCacheEntry(ctx, "requestcache:news")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.JSONEq(t, `{"items":[]}`, string(got.Data))

	missing, err := s.GetCacheEntry(ctx, "requestcache:nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	// overwrite
	entry.Data = json.RawMessage(`{"items":[1]}`)
	require.NoError(t, s.PutCacheEntry(ctx, entry))
	got, err = s.GetCacheEntry(ctx, "requestcache:news")
	require.NoError(t, err)
	require.JSONEq(t, `{"items":[1]}`, string(got.Data))

	require.NoError(t, s.DeleteCacheEntry(ctx, "requestcache:news"))
	got, err = s.GetCacheEntry(ctx, "requestcache:news")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCachePrefixAndExpiry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	now := time.Now().UTC()
	put := func(key string, expires time.Time) {
		require.NoError(t, s.PutCacheEntry(ctx, &CacheEntry{
			Key: key, Data: json.RawMessage(`1`), Timestamp: now, ExpiresAt: expires,
		}))
	}
	put("requestcache:a", now.Add(time.Hour))
	put("requestcache:b", now.Add(-time.Hour))
	put("other:c", now.Add(time.Hour))

	purged, err := s.PurgeExpiredCache(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	removed, err := s.DeleteCacheByPrefix(ctx, "requestcache:")
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	other, err := s.GetCacheEntry(ctx, "other:c")
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestSnapshotNames(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.ReplaceSnapshot(ctx, []string{"beta", "alpha"}))
	names, err := s.ListSnapshotNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, names)

	require.NoError(t, s.PutSnapshotName(ctx, "gamma"))
	require.NoError(t, s.PutSnapshotName(ctx, "gamma")) // upsert
	require.NoError(t, s.DeleteSnapshotName(ctx, "alpha"))

	names, err = s.ListSnapshotNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"beta", "gamma"}, names)
}
