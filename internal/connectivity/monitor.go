package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"instance-sync-service/internal/config"
	"instance-sync-service/internal/logger"
)

// Listener is notified with the new offline value on every transition.
type Listener func(offline bool)

type subscriber struct {
	id int
	fn Listener
}

// Monitor is the single source of truth for online/offline state. It is
// constructed once and injected into everything that cares; there is no
// package-level state.
type Monitor struct {
	http         *req.Client
	probeURL     string
	probeTimeout time.Duration

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	offline bool
	nextID  int
	subs    []subscriber
	started bool
}

func NewMonitor(cfg config.ConnectivityConfig) *Monitor {
	client := req.C().
		SetTimeout(cfg.GetProbeTimeout()).
		SetRedirectPolicy(req.NoRedirectPolicy())

	return &Monitor{
		http:         client,
		probeURL:     cfg.ProbeURL,
		probeTimeout: cfg.GetProbeTimeout(),
		cron:         cron.New(),
	}
}

// Start probes once immediately, then schedules the periodic probe.
// Passive OS signals under-report captive portals and DNS-only failures,
// so the active probe is not optional.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("connectivity monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	m.Probe(ctx)

	id, err := m.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		m.Probe(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule probe: %w", err)
	}
	m.entryID = id
	m.cron.Start()

	logger.Log.Info("Started connectivity monitor",
		zap.String("probeURL", m.probeURL),
		zap.Duration("interval", interval),
	)
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	m.cron.Stop()
	logger.Log.Info("Stopped connectivity monitor")
}

func (m *Monitor) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// SetOffline is idempotent: subscribers fire on transitions only, in
// registration order.
func (m *Monitor) SetOffline(offline bool) {
	m.mu.Lock()
	if m.offline == offline {
		m.mu.Unlock()
		return
	}
	m.offline = offline
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(offline)
	}

	logger.Log.Info("Connectivity changed", zap.Bool("offline", offline))
}

// Subscribe registers a transition listener and returns its unsubscribe
// func, which is safe to call more than once.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// CheckOnline issues one bounded-timeout reachability probe. Any error,
// cancellation or timeout reads as offline: a false "online" would send
// the queue into doomed remote calls, a false "offline" only delays a
// drain until the next probe.
func (m *Monitor) CheckOnline(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	resp, err := m.http.R().
		SetContext(probeCtx).
		Get(m.probeURL)
	if err != nil {
		return false
	}

	return resp.StatusCode > 0 && resp.StatusCode < 500
}

// Probe runs one check and folds the result into the monitor state.
func (m *Monitor) Probe(ctx context.Context) {
	m.SetOffline(!m.CheckOnline(ctx))
}
