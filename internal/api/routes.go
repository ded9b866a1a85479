package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"instance-sync-service/internal/cache"
	"instance-sync-service/internal/conflict"
	"instance-sync-service/internal/connectivity"
	"instance-sync-service/internal/local"
	"instance-sync-service/internal/queue"
	"instance-sync-service/internal/store"
	syncmgr "instance-sync-service/internal/sync"
)

type Handler struct {
	manager  *syncmgr.Manager
	queue    *queue.ActionQueue
	detector *conflict.Detector
	monitor  *connectivity.Monitor
	cache    *cache.RequestCache
	local    *local.Store
}

func NewHandler(manager *syncmgr.Manager, q *queue.ActionQueue, detector *conflict.Detector, monitor *connectivity.Monitor, rc *cache.RequestCache, ls *local.Store) *Handler {
	return &Handler{
		manager:  manager,
		queue:    q,
		detector: detector,
		monitor:  monitor,
		cache:    rc,
		local:    ls,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sync/status", h.GetSyncStatus)
		r.Post("/sync/trigger", h.TriggerSync)

		r.Get("/instances", h.ListInstances)
		r.Post("/instances", h.CreateInstance)
		r.Delete("/instances/{name}", h.DeleteInstance)

		r.Get("/queue/stats", h.GetQueueStats)
		r.Get("/queue/actions", h.ListQueueActions)
		r.Post("/queue/retry", h.RetryAllFailed)
		r.Post("/queue/actions/{id}/retry", h.RetryAction)
		r.Delete("/queue/completed", h.ClearCompleted)

		r.Get("/connectivity", h.GetConnectivity)
		r.Post("/connectivity/check", h.CheckConnectivity)
		r.Post("/connectivity/state", h.SetConnectivityState)

		r.Get("/conflicts", h.DetectConflicts)
		r.Post("/conflicts/resolve", h.ResolveConflicts)

		r.Delete("/cache", h.ClearCache)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  h.manager.GetStatus(),
		"offline": h.monitor.IsOffline(),
		"stats":   h.queue.GetStats(),
	})
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.manager.TriggerDrain()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.local.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

type createInstanceRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Loader  string `json:"loader"`
}

// CreateInstance writes the instance locally and queues the remote create.
// Online or offline, the remote half always moves through the queue's
// state machine.
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var body createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}

	inst, err := h.local.Create(r.Context(), body.Name, body.Version, body.Loader)
	if err != nil {
		if errors.Is(err, local.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	payload, _ := json.Marshal(inst)
	action, err := h.manager.Submit(r.Context(), store.ActionCreate, "instance", inst.Name, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"instance": inst, "action": action})
}

func (h *Handler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	deleted, err := h.local.DeleteByName(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "instance not found"})
		return
	}

	action, err := h.manager.Submit(r.Context(), store.ActionDelete, "instance", name, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"action": action})
}

func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.GetStats())
}

func (h *Handler) ListQueueActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.List())
}

func (h *Handler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	moved, err := h.queue.RetryAllFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.manager.TriggerDrain()
	writeJSON(w, http.StatusOK, map[string]int{"retried": moved})
}

func (h *Handler) RetryAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	moved, err := h.queue.Retry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if moved == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no failed action with that id"})
		return
	}
	h.manager.TriggerDrain()
	writeJSON(w, http.StatusOK, map[string]int{"retried": moved})
}

func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed, err := h.queue.ClearCompleted(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"offline": h.monitor.IsOffline()})
}

func (h *Handler) CheckConnectivity(w http.ResponseWriter, r *http.Request) {
	h.monitor.Probe(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"offline": h.monitor.IsOffline()})
}

type connectivityStateRequest struct {
	Offline *bool `json:"offline"`
}

// SetConnectivityState lets the desktop shell push OS-level connectivity
// events (interface down, sleep/wake) without waiting for the next probe.
func (h *Handler) SetConnectivityState(w http.ResponseWriter, r *http.Request) {
	var body connectivityStateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Offline == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offline required"})
		return
	}

	h.monitor.SetOffline(*body.Offline)
	writeJSON(w, http.StatusOK, map[string]bool{"offline": h.monitor.IsOffline()})
}

func (h *Handler) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.detector.Detect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	ID     string          `json:"id,omitempty"`
	All    bool            `json:"all,omitempty"`
	Policy conflict.Policy `json:"policy"`
}

func (h *Handler) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch body.Policy {
	case conflict.PolicyLocal, conflict.PolicyCloud, conflict.PolicyMerge:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "policy must be local, cloud or merge"})
		return
	}

	if body.All {
		writeJSON(w, http.StatusOK, h.detector.ResolveAll(r.Context(), body.Policy))
		return
	}

	if body.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id or all required"})
		return
	}
	if err := h.detector.Resolve(r.Context(), body.ID, body.Policy); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cache.ClearAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}
