package store

import (
	"encoding/json"
	"time"
)

type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionCustom ActionType = "custom"
)

type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusProcessing ActionStatus = "processing"
	StatusCompleted  ActionStatus = "completed"
	StatusFailed     ActionStatus = "failed"
)

// SyncAction is one durably queued mutation. Position is a monotonic
// sequence assigned at enqueue time; it is what preserves enqueue order
// across process restarts.
type SyncAction struct {
	ID            string          `json:"id"`
	Position      int64           `json:"position"`
	Type          ActionType      `json:"type"`
	ResourceKind  string          `json:"resourceKind"`
	ResourceKey   string          `json:"resourceKey"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Status        ActionStatus    `json:"status"`
	RetryCount    int             `json:"retryCount"`
	LastError     string          `json:"lastError,omitempty"`
	ErrorHistory  []string        `json:"errorHistory,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitempty"`
}

func (a *SyncAction) Clone() *SyncAction {
	c := *a
	c.Payload = append(json.RawMessage(nil), a.Payload...)
	c.ErrorHistory = append([]string(nil), a.ErrorHistory...)
	return &c
}

// QueueStats is derived from the action list on every call, never persisted.
type QueueStats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Processing    int     `json:"processing"`
	Failed        int     `json:"failed"`
	Completed     int     `json:"completed"`
	AvgRetryCount float64 `json:"avgRetryCount"`
}

// Instance is a named game configuration profile as known on one side of
// the sync boundary. Name is the natural key used to match local and
// remote copies; ID may be empty before the first sync.
type Instance struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Loader     string    `json:"loader"`
	LastPlayed time.Time `json:"lastPlayed,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// UpdatedAt is the timestamp used for display and for the "newest"
// resolution policy: the later of last-played and created.
func (i *Instance) UpdatedAt() time.Time {
	if i.LastPlayed.After(i.CreatedAt) {
		return i.LastPlayed
	}
	return i.CreatedAt
}

type ConflictType string

const (
	ConflictModified       ConflictType = "modified"
	ConflictNewLocal       ConflictType = "new-local"
	ConflictNewCloud       ConflictType = "new-cloud"
	ConflictDeletedLocally ConflictType = "deleted-locally"
	ConflictDeletedCloud   ConflictType = "deleted-cloud"
)

// Conflict is a detected divergence between the local and remote copy of
// one instance. Conflicts are ephemeral: recomputed on every detection
// pass, discarded once resolved or once the pass re-runs.
type Conflict struct {
	ID             string       `json:"id"`
	InstanceName   string       `json:"instanceName"`
	Local          *Instance    `json:"localInstance,omitempty"`
	Cloud          *Instance    `json:"cloudInstance,omitempty"`
	Type           ConflictType `json:"type"`
	LocalUpdatedAt time.Time    `json:"localUpdatedAt,omitempty"`
	CloudUpdatedAt time.Time    `json:"cloudUpdatedAt,omitempty"`
	DetectedAt     time.Time    `json:"detectedAt"`
}

// CacheEntry is one namespaced request-cache record.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expiresAt"`
}
