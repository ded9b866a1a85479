package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"instance-sync-service/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_actions (
	id              TEXT PRIMARY KEY,
	position        INTEGER NOT NULL,
	type            TEXT NOT NULL,
	resource_kind   TEXT NOT NULL,
	resource_key    TEXT NOT NULL,
	payload         BLOB,
	created_at      TIMESTAMP NOT NULL,
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	error_history   TEXT NOT NULL DEFAULT '[]',
	next_attempt_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_actions_status ON sync_actions(status);
CREATE INDEX IF NOT EXISTS idx_sync_actions_position ON sync_actions(position);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	data       BLOB,
	timestamp  TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_snapshot (
	name      TEXT PRIMARY KEY,
	synced_at TIMESTAMP NOT NULL
);
`

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// modernc sqlite handles are not safe for concurrent writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Log.Info("Opened sqlite store", zap.String("path", path))

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execTx executes a function within a transaction
func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListActions(ctx context.Context) ([]*SyncAction, error) {
	query := `SELECT id, position, type, resource_kind, resource_key, payload, created_at, status, retry_count, last_error, error_history, next_attempt_at
			  FROM sync_actions ORDER BY position ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*SyncAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// CreateAction assigns the next position and inserts the action in one
// transaction, so enqueue order survives restarts.
func (s *SQLiteStore) CreateAction(ctx context.Context, action *SyncAction) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		var pos int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM sync_actions`).Scan(&pos); err != nil {
			return err
		}
		action.Position = pos

		history, err := json.Marshal(action.ErrorHistory)
		if err != nil {
			return err
		}

		query := `INSERT INTO sync_actions (id, position, type, resource_kind, resource_key, payload, created_at, status, retry_count, last_error, error_history, next_attempt_at)
				  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err = tx.ExecContext(ctx, query,
			action.ID,
			action.Position,
			string(action.Type),
			action.ResourceKind,
			action.ResourceKey,
			[]byte(action.Payload),
			action.CreatedAt,
			string(action.Status),
			action.RetryCount,
			action.LastError,
			string(history),
			nullableTime(action.NextAttemptAt),
		)
		return err
	})
}

func (s *SQLiteStore) UpdateAction(ctx context.Context, action *SyncAction) error {
	history, err := json.Marshal(action.ErrorHistory)
	if err != nil {
		return err
	}

	query := `UPDATE sync_actions
			  SET status = ?, retry_count = ?, last_error = ?, error_history = ?, next_attempt_at = ?
			  WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(action.Status),
		action.RetryCount,
		action.LastError,
		string(history),
		nullableTime(action.NextAttemptAt),
		action.ID,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("action %s not found", action.ID)
	}

	return nil
}

func (s *SQLiteStore) DeleteCompletedActions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_actions WHERE status = ?`, string(StatusCompleted))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	query := `SELECT key, data, timestamp, expires_at FROM cache_entries WHERE key = ?`

	row := s.db.QueryRowContext(ctx, query, key)

	var e CacheEntry
	var data []byte
	err := row.Scan(&e.Key, &data, &e.Timestamp, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)

	return &e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	query := `INSERT INTO cache_entries (key, data, timestamp, expires_at)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT(key) DO UPDATE SET
			  data = excluded.data,
			  timestamp = excluded.timestamp,
			  expires_at = excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query, entry.Key, []byte(entry.Data), entry.Timestamp, entry.ExpiresAt)
	return err
}

func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) DeleteCacheByPrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ListSnapshotNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sync_snapshot ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}

	return names, rows.Err()
}

func (s *SQLiteStore) PutSnapshotName(ctx context.Context, name string) error {
	query := `INSERT INTO sync_snapshot (name, synced_at) VALUES (?, ?)
			  ON CONFLICT(name) DO UPDATE SET synced_at = excluded.synced_at`

	_, err := s.db.ExecContext(ctx, query, name, time.Now().UTC())
	return err
}

func (s *SQLiteStore) DeleteSnapshotName(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_snapshot WHERE name = ?`, name)
	return err
}

func (s *SQLiteStore) ReplaceSnapshot(ctx context.Context, names []string) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_snapshot`); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, n := range names {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sync_snapshot (name, synced_at) VALUES (?, ?)`, n, now); err != nil {
				return err
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*SyncAction, error) {
	var a SyncAction
	var payload []byte
	var actionType, status, history string
	var nextAttempt sql.NullTime

	err := row.Scan(
		&a.ID,
		&a.Position,
		&actionType,
		&a.ResourceKind,
		&a.ResourceKey,
		&payload,
		&a.CreatedAt,
		&status,
		&a.RetryCount,
		&a.LastError,
		&history,
		&nextAttempt,
	)
	if err != nil {
		return nil, err
	}

	a.Type = ActionType(actionType)
	a.Status = ActionStatus(status)
	a.Payload = json.RawMessage(payload)
	if nextAttempt.Valid {
		a.NextAttemptAt = nextAttempt.Time
	}
	if err := json.Unmarshal([]byte(history), &a.ErrorHistory); err != nil {
		return nil, fmt.Errorf("bad error history for action %s: %w", a.ID, err)
	}

	return &a, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
