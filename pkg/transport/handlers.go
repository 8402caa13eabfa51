package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

// HTTPHandler exposes the tracker over REST: read endpoints for users and
// write endpoints for producers that cannot link the tracker in-process.
type HTTPHandler struct {
	tracker  *progress.Tracker
	logger   *zap.Logger
	validate *validator.Validate
}

func NewHTTPHandler(tracker *progress.Tracker, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		tracker:  tracker,
		logger:   logger,
		validate: validator.New(),
	}
}

type createRequest struct {
	Type       string          `json:"type" validate:"required"`
	ResourceID string          `json:"resourceId" validate:"required,max=256"`
	UserID     string          `json:"userId" validate:"required,max=256"`
	Message    string          `json:"message" validate:"max=1024"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type updateRequest struct {
	Stage    *string         `json:"stage,omitempty"`
	Progress *int            `json:"progress,omitempty"`
	Message  *string         `json:"message,omitempty" validate:"omitempty,max=1024"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type completeRequest struct {
	Message string `json:"message" validate:"max=1024"`
}

type failRequest struct {
	Error    string `json:"error" validate:"required,max=2048"`
	CanRetry bool   `json:"canRetry"`
}

// GetCurrent returns the latest session for a resource the caller owns.
func (h *HTTPHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	t, err := progress.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	rec, err := h.tracker.GetCurrent(r.Context(), t, chi.URLParam(r, "resourceId"))
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	if rec.UserID != userID {
		h.logger.Warn("Unauthorized access attempt",
			zap.String("user_id", userID),
			zap.String("progress_id", rec.ProgressID),
		)
		h.writeProgressError(w, progress.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListMine returns the caller's sessions; ?active=true drops finished ones.
func (h *HTTPHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	var (
		recs []progress.Record
		err  error
	)
	if r.URL.Query().Get("active") == "true" {
		recs, err = h.tracker.ListActive(r.Context(), userID)
	} else {
		recs, err = h.tracker.ListByUser(r.Context(), userID)
	}
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	if recs == nil {
		recs = []progress.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": recs})
}

// Create opens a new session.
func (h *HTTPHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := progress.ParseType(req.Type)
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	meta, err := decodeMetadata(t, req.Metadata)
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	id, err := h.tracker.Create(r.Context(), t, req.ResourceID, req.UserID, req.Message, meta)
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"progressId": id})
}

// Update applies a partial change.
func (h *HTTPHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "progressId")
	t, _, _, err := progress.ParseID(id)
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	meta, err := decodeMetadata(t, req.Metadata)
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	patch := progress.Patch{Progress: req.Progress, Message: req.Message, Metadata: meta}
	if req.Stage != nil {
		s := progress.Stage(*req.Stage)
		patch.Stage = &s
	}
	if err := h.tracker.Update(r.Context(), id, patch); err != nil {
		h.writeProgressError(w, err)
		return
	}
	h.writeRecord(w, r, id)
}

// Complete finishes a session.
func (h *HTTPHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "progressId")
	var req completeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if err := h.tracker.Complete(r.Context(), id, req.Message); err != nil {
		h.writeProgressError(w, err)
		return
	}
	h.writeRecord(w, r, id)
}

// Fail ends a session with an error.
func (h *HTTPHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "progressId")
	var req failRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.tracker.Fail(r.Context(), id, req.Error, req.CanRetry); err != nil {
		h.writeProgressError(w, err)
		return
	}
	h.writeRecord(w, r, id)
}

// Heartbeat extends a running session's expiry.
func (h *HTTPHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Heartbeat(r.Context(), chi.URLParam(r, "progressId")); err != nil {
		h.writeProgressError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Purge deletes a session outright.
func (h *HTTPHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Purge(r.Context(), chi.URLParam(r, "progressId")); err != nil {
		h.writeProgressError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) writeRecord(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		h.writeProgressError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *HTTPHandler) writeProgressError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, progress.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, progress.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, progress.ErrNotFound):
		writeError(w, http.StatusNotFound, "progress not found")
	case errors.Is(err, progress.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "progress store unavailable")
	default:
		h.logger.Error("Unhandled progress error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeMetadata(t progress.Type, raw json.RawMessage) (progress.Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return progress.DecodeMetadata(t, raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
