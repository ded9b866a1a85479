package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"instance-sync-service/internal/config"
	"instance-sync-service/internal/conflict"
	"instance-sync-service/internal/connectivity"
	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/queue"
	"instance-sync-service/internal/remote"
	"instance-sync-service/internal/store"
)

// Manager wires the sync subsystem together: the connectivity monitor,
// the action queue and the conflict detector. Exactly one drain runs per
// process; the queue itself coalesces concurrent requests, the manager
// just decides when to ask for one.
type Manager struct {
	cfg      *config.Config
	monitor  *connectivity.Monitor
	queue    *queue.ActionQueue
	detector *conflict.Detector
	remote   *remote.Client

	cron        *cron.Cron
	unsubscribe func()

	mu     sync.Mutex
	status string
}

func NewManager(cfg *config.Config, monitor *connectivity.Monitor, q *queue.ActionQueue, detector *conflict.Detector, rc *remote.Client) *Manager {
	return &Manager{
		cfg:      cfg,
		monitor:  monitor,
		queue:    q,
		detector: detector,
		remote:   rc,
		cron:     cron.New(),
		status:   "idle",
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == "running" {
		return fmt.Errorf("sync manager is already running")
	}

	logger.Log.Info("Starting sync manager")

	if err := m.monitor.Start(ctx, m.cfg.Connectivity.GetProbeInterval()); err != nil {
		return err
	}

	// A transition back online refreshes the session, then drains.
	m.unsubscribe = m.monitor.Subscribe(func(offline bool) {
		if offline {
			return
		}
		go m.onReconnect(context.Background())
	})

	// Backoff-deferred actions have no event of their own; the periodic
	// drain is what picks them up once NextAttemptAt passes while the
	// process stays online.
	drainInterval := m.cfg.Queue.GetDrainInterval()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", drainInterval), func() {
		if m.monitor.IsOffline() {
			return
		}
		m.drain(context.Background())
	})
	if err != nil {
		m.monitor.Stop()
		return fmt.Errorf("failed to schedule queue drain: %w", err)
	}

	if m.cfg.Conflict.ScanEnabled {
		interval := m.cfg.Conflict.GetScanInterval()
		_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			if _, err := m.detector.Detect(context.Background()); err != nil {
				logger.Log.Error("Scheduled conflict scan failed", zap.Error(err))
			}
		})
		if err != nil {
			m.monitor.Stop()
			return fmt.Errorf("failed to schedule conflict scan: %w", err)
		}
		logger.Log.Info("Scheduled conflict scans", zap.Duration("interval", interval))
	}

	m.cron.Start()
	logger.Log.Info("Scheduled queue drains", zap.Duration("interval", drainInterval))

	if !m.monitor.IsOffline() {
		go m.drain(context.Background())
	}

	m.status = "running"
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != "running" {
		return
	}

	logger.Log.Info("Stopping sync manager")

	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.cron.Stop()
	m.monitor.Stop()

	m.status = "idle"
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Submit queues a mutation and, when online, kicks a drain right away.
// There is no direct-execution path: an immediately executed action moves
// through the same pending -> processing transition as an offline one.
func (m *Manager) Submit(ctx context.Context, actionType store.ActionType, resourceKind, resourceKey string, payload json.RawMessage) (*store.SyncAction, error) {
	action, err := m.queue.Enqueue(ctx, actionType, resourceKind, resourceKey, payload)
	if err != nil {
		return nil, err
	}

	if !m.monitor.IsOffline() {
		go m.drain(context.Background())
	}

	return action, nil
}

// TriggerDrain asks for one asynchronous drain pass.
func (m *Manager) TriggerDrain() {
	go m.drain(context.Background())
}

func (m *Manager) onReconnect(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := m.remote.RefreshSession(refreshCtx); err != nil {
		// Stale credentials will surface as permanent failures in the
		// drain; reconnecting is still worth attempting.
		logger.Log.Warn("Session refresh on reconnect failed", zap.Error(err))
	}
	m.drain(ctx)
}

func (m *Manager) drain(ctx context.Context) {
	if err := m.queue.ProcessQueue(ctx); err != nil {
		logger.Log.Error("Drain failed", zap.Error(err))
	}
}
