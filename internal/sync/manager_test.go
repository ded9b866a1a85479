package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instance-sync-service/internal/config"
	"instance-sync-service/internal/conflict"
	"instance-sync-service/internal/connectivity"
	"instance-sync-service/internal/keymutex"
	"instance-sync-service/internal/local"
	"instance-sync-service/internal/queue"
	"instance-sync-service/internal/remote"
	"instance-sync-service/internal/store"
)

// The remote answers the connectivity probe and fails instance creates a
// configured number of times before accepting them.
type flakyRemote struct {
	mu       sync.Mutex
	failures int
	creates  int
}

func (f *flakyRemote) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/instances" {
			f.mu.Lock()
			f.creates++
			fail := f.failures > 0
			if fail {
				f.failures--
			}
			f.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (f *flakyRemote) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func newTestManager(t *testing.T, remoteURL string) (*Manager, *queue.ActionQueue) {
	t.Helper()

	cfg := &config.Config{
		Remote: config.RemoteConfig{BaseURL: remoteURL, User: "tester@example.com"},
		Connectivity: config.ConnectivityConfig{
			ProbeURL:      remoteURL,
			ProbeInterval: "1h", // transitions play no part here
			ProbeTimeout:  "500ms",
		},
		Queue: config.QueueConfig{
			MaxAttempts:   3,
			BackoffBase:   "1ms",
			BackoffCap:    "4ms",
			DrainInterval: "1s",
		},
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	localStore, err := local.NewStore(t.TempDir())
	require.NoError(t, err)

	remoteClient := remote.NewClient(cfg.Remote)
	monitor := connectivity.NewMonitor(cfg.Connectivity)
	locks := keymutex.New()

	q, err := queue.NewActionQueue(context.Background(), cfg.Queue, st, remoteClient, monitor, locks)
	require.NoError(t, err)

	detector := conflict.NewDetector(localStore, remoteClient, st, locks)
	m := NewManager(cfg, monitor, q, detector, remoteClient)
	return m, q
}

func TestDeferredActionRetriedWhileOnline(t *testing.T) {
	fr := &flakyRemote{failures: 1}
	srv := httptest.NewServer(fr.handler())
	defer srv.Close()

	m, q := newTestManager(t, srv.URL)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// the submit-triggered drain fails transiently and defers the action
	_, err := m.Submit(context.Background(), store.ActionCreate, "instance", "survival",
		[]byte(`{"name":"survival","version":"1.20.4","loader":"fabric"}`))
	require.NoError(t, err)

	// no further Submit, no manual trigger, no connectivity transition:
	// only the scheduled drain can move it past the backoff deferral
	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 5*time.Second, 20*time.Millisecond, "deferred action never retried")

	require.Equal(t, 2, fr.createCalls())
}

func TestStartTwiceRejected(t *testing.T) {
	srv := httptest.NewServer((&flakyRemote{}).handler())
	defer srv.Close()

	m, _ := newTestManager(t, srv.URL)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Error(t, m.Start(context.Background()))
}
