package store

import (
	"context"
	"time"
)

type Store interface {
	// Action log
	ListActions(ctx context.Context) ([]*SyncAction, error)
	CreateAction(ctx context.Context, action *SyncAction) error
	UpdateAction(ctx context.Context, action *SyncAction) error
	DeleteCompletedActions(ctx context.Context) (int64, error)

	// Request cache
	GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error
	DeleteCacheEntry(ctx context.Context, key string) error
	DeleteCacheByPrefix(ctx context.Context, prefix string) (int64, error)
	PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error)

	// Last-sync snapshot: the instance names both sides agreed on the last
	// time local and remote converged. Used to tell "deleted elsewhere"
	// from "never existed elsewhere".
	ListSnapshotNames(ctx context.Context) ([]string, error)
	PutSnapshotName(ctx context.Context, name string) error
	DeleteSnapshotName(ctx context.Context, name string) error
	ReplaceSnapshot(ctx context.Context, names []string) error

	// General
	Close() error
}
