package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/trunov/grouphub/internal/keystore"
)

const maxEnvelopeBytes = 1 << 20 // 1 MiB

// IngestProducer accepts a raw notification envelope onto the ingest bus.
type IngestProducer interface {
	Enqueue(ctx context.Context, payload any) error
}

// Handler is the intake boundary: the object store's notification webhook
// plus a read endpoint for completion pollers. It performs no
// classification itself; envelopes go onto the ingest stream as-is and the
// router consumes them from there.
type Handler struct {
	ingest    IngestProducer
	store     *keystore.Store
	validator *validator.Validate
}

func New(ingest IngestProducer, store *keystore.Store) *Handler {
	return &Handler{
		ingest:    ingest,
		store:     store,
		validator: validator.New(),
	}
}

// Notifications handles POST /v1/notifications. The body must be JSON;
// beyond that it is passed through untouched so the webhook never rejects
// a delivery the router could have salvaged.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, "failed to read request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		writeJSONError(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}

	if err := h.ingest.Enqueue(r.Context(), json.RawMessage(body)); err != nil {
		writeJSONError(w, "failed to ingest notification: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{Accepted: true})
}

// UploadStatus handles GET /v1/uploads/{tenant}/{uploadID}.
func (h *Handler) UploadStatus(w http.ResponseWriter, r *http.Request) {
	params := StatusParams{
		Tenant:   chi.URLParam(r, "tenant"),
		UploadID: chi.URLParam(r, "uploadID"),
	}
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	agg, err := h.store.GetAggregate(r.Context(), params.Tenant, params.UploadID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agg == nil {
		writeJSONError(w, "upload not found", http.StatusNotFound)
		return
	}

	resp := StatusResponse{
		Tenant:     agg.Tenant,
		UploadID:   agg.UploadID,
		Status:     agg.Status,
		ImageCount: len(agg.ImageKeys),
		Images:     agg.ImageKeys,
	}
	if agg.MarkerSeen() {
		resp.CompletionMarkerAt = agg.CompletionMarkerAt.Format(time.RFC3339Nano)
	}
	if claim, err := h.store.GetClaim(r.Context(), params.Tenant, params.UploadID); err == nil && claim != nil {
		resp.ClaimStatus = claim.Status
		resp.ClaimReason = claim.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
