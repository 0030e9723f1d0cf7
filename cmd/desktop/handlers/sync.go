// Package handlers provides the local REST endpoints of the offline companion.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/psconsult/offline/internal/db"
	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
	"github.com/psconsult/offline/internal/models"
	syncpkg "github.com/psconsult/offline/internal/sync"
)

// maxPayloadBytes bounds a submission body.
const maxPayloadBytes = 1 << 20

// defaultLogLimit is the number of sync log entries returned without ?limit=.
const defaultLogLimit = 50

// Waker publishes a wake signal to the dispatcher.
type Waker interface {
	TriggerWake() bool
}

// SyncHandler handles offline submissions and sync operations.
type SyncHandler struct {
	store   db.Store
	engine  syncpkg.Engine
	waker   Waker
	limiter *rate.Limiter
	every   time.Duration
	log     *logging.Logger
}

// NewSyncHandler creates a new SyncHandler. Manual wakes are limited to one
// per wakeEvery.
func NewSyncHandler(store db.Store, engine syncpkg.Engine, waker Waker, wakeEvery time.Duration) *SyncHandler {
	if wakeEvery <= 0 {
		wakeEvery = 10 * time.Second
	}
	return &SyncHandler{
		store:   store,
		engine:  engine,
		waker:   waker,
		limiter: rate.NewLimiter(rate.Every(wakeEvery), 1),
		every:   wakeEvery,
		log:     logging.For("handlers"),
	}
}

// Register adds every endpoint to mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /offline/submissions", h.EnqueueSubmission)
	mux.HandleFunc("GET /offline/submissions", h.ListSubmissions)
	mux.HandleFunc("POST /offline/submissions/{id}/requeue", h.RequeueSubmission)
	mux.HandleFunc("GET /offline/stats", h.GetStats)
	mux.HandleFunc("POST /offline/sync", h.TriggerSync)
	mux.HandleFunc("GET /offline/cache/{namespace}", h.ReadCache)
	mux.HandleFunc("GET /offline/log", h.ListLog)
}

// =====================================================
// Submission Endpoints
// =====================================================

// EnqueueSubmission handles POST /offline/submissions
// Stores the JSON object body as a pending submission and queues it.
func (h *SyncHandler) EnqueueSubmission(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read body", err))
		return
	}
	if len(body) > maxPayloadBytes {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "payload too large"))
		return
	}

	ref, err := h.engine.Enqueue(r.Context(), json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

// ListSubmissions handles GET /offline/submissions?status=
// Returns submissions in one state, oldest first. The default state is pending.
func (h *SyncHandler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	status := models.SubmissionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusPending
	}
	if !status.Valid() {
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", status))
		return
	}

	subs, err := h.store.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if subs == nil {
		subs = []*models.PendingSubmission{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"submissions": subs,
	})
}

// RequeueSubmission handles POST /offline/submissions/{id}/requeue
// Returns a failed submission to the queue.
func (h *SyncHandler) RequeueSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid submission id %q", r.PathValue("id")))
		return
	}

	if err := h.engine.Requeue(r.Context(), id); err != nil {
		if apperrors.Is(err, apperrors.ErrInvalid) {
			writeErrorStatus(w, http.StatusConflict, err)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "requeued",
		"localId": id,
	})
}

// =====================================================
// Sync Status and Trigger Endpoints
// =====================================================

// GetStats handles GET /offline/stats
// Returns submission counts and the reconciler state.
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"submissions": stats,
		"status":      h.engine.Status(),
		"queued":      h.engine.Pending(),
		"inProgress":  h.engine.InProgress(),
	}
	if lastSync := h.engine.LastSync(); lastSync != nil {
		response["lastSync"] = lastSync.Unix()
	}
	if result := h.engine.LastResult(); result != nil {
		response["lastResult"] = result
	}
	if lastErr := h.engine.LastError(); lastErr != nil {
		response["lastError"] = lastErr.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /offline/sync
// Publishes a wake signal. The pass itself runs on the dispatcher.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", retryAfter(h.every))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":   "RATE_LIMITED",
			"message": "sync was requested too recently",
		})
		return
	}

	if !h.waker.TriggerWake() {
		writeErrorStatus(w, http.StatusServiceUnavailable, apperrors.New(apperrors.ErrInternal, "dispatcher is not running"))
		return
	}
	h.log.Info("Manual sync requested")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "requested",
		"inProgress": h.engine.InProgress(),
	})
}

// =====================================================
// Read Cache and Log Endpoints
// =====================================================

// ReadCache handles GET /offline/cache/{namespace}
// Returns the cached server records, newest first.
func (h *SyncHandler) ReadCache(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("namespace")
	records, err := h.store.ReadServerCache(r.Context(), ns)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.CachedServerRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace": ns,
		"records":   records,
	})
}

// ListLog handles GET /offline/log?limit=
// Returns the most recent sync activity, newest first.
func (h *SyncHandler) ListLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid limit %q", v))
			return
		}
		limit = n
	}

	entries, err := h.store.ListSyncLog(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// =====================================================
// Helpers
// =====================================================

// retryAfter renders d in whole seconds, rounded up and at least one.
func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an application error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.GetCode(err) {
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	}
	writeErrorStatus(w, status, err)
}

func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"error":   apperrors.GetCode(err),
		"message": err.Error(),
	})
}
