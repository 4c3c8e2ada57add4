// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/api/middleware"
	"github.com/drfirst/go-rxlife/internal/domain/prescription"
	"github.com/drfirst/go-rxlife/internal/lifecycle"
	"github.com/drfirst/go-rxlife/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

// SyncQueue hands a registry sync to the lifecycle worker
type SyncQueue interface {
	RequestSync(ctx context.Context, prescriptionID, requestedBy string) (string, error)
}

// Deduper runs a create at most once per idempotency key
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Options are the optional collaborators of the handler
type Options struct {
	SyncQueue    SyncQueue
	Deduper      Deduper
	ExpiringDays int
}

// PrescriptionHandler exposes the lifecycle controller over HTTP
type PrescriptionHandler struct {
	ctrl         *lifecycle.Controller
	syncQueue    SyncQueue
	deduper      Deduper
	expiringDays int
	logger       *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(ctrl *lifecycle.Controller, opts Options, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ExpiringDays <= 0 {
		opts.ExpiringDays = 7
	}
	return &PrescriptionHandler{
		ctrl:         ctrl,
		syncQueue:    opts.SyncQueue,
		deduper:      opts.Deduper,
		expiringDays: opts.ExpiringDays,
		logger:       logger,
	}
}

// Routes returns the /prescriptions routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/expiring", h.ListExpiring)
	r.Get("/stats", h.Stats)
	r.Get("/report", h.Report)
	r.Get("/availability", h.NumberAvailable)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/validations", h.ListValidations)
		r.Post("/validate", h.Validate)
		r.Post("/dispense", h.Dispense)
		r.Post("/cancel", h.Cancel)
		r.Post("/sign", h.Sign)
		r.Post("/sync", h.Sync)
		r.Post("/refresh-expiry", h.RefreshExpiry)
	})
	return r
}

// SignatureRoutes returns the /signatures routes
func (h *PrescriptionHandler) SignatureRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/verify", h.VerifySignature)
	return r
}

// Create handles POST /prescriptions. A request carrying an Idempotency-Key
// runs at most once per key when a deduper is configured; a retry returns the
// first response.
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := readBody(r)
	if err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req prescription.CreateData
	if err := json.Unmarshal(raw, &req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if h.deduper == nil || key == "" {
		p, err := h.ctrl.Create(ctx, req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, p)
		return
	}

	res, err := h.deduper.Process(ctx, "create:"+key, "prescription-create", raw, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		p, err := h.ctrl.Create(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !res.IsNew && !res.WasRecovered {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(res.Result)
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.ctrl.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// List handles GET /prescriptions?patient_id=|prescriber_id=|status=
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		list []*prescription.Prescription
		err  error
	)
	switch {
	case q.Get("patient_id") != "":
		list, err = h.ctrl.ListByPatient(ctx, q.Get("patient_id"))
	case q.Get("prescriber_id") != "":
		list, err = h.ctrl.ListByPrescriber(ctx, q.Get("prescriber_id"))
	case q.Get("status") != "":
		status, perr := prescription.ParseStatus(q.Get("status"))
		if perr != nil {
			h.jsonError(w, perr.Error(), http.StatusBadRequest)
			return
		}
		list, err = h.ctrl.ListByStatus(ctx, status)
	default:
		h.jsonError(w, "one of patient_id, prescriber_id or status is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse{Items: list, Count: len(list)})
}

type listResponse struct {
	Items []*prescription.Prescription `json:"items"`
	Count int                          `json:"count"`
}

// ListExpiring handles GET /prescriptions/expiring?days=
func (h *PrescriptionHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := h.expiringDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.jsonError(w, "days must be an integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	list, err := h.ctrl.ListExpiring(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listResponse{Items: list, Count: len(list)})
}

// Stats handles GET /prescriptions/stats
func (h *PrescriptionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.ctrl.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// Report handles GET /prescriptions/report?from=&to=. Dates are RFC 3339 or
// YYYY-MM-DD; a bare date for to covers that whole day. The default range is
// the last 30 days.
func (h *PrescriptionHandler) Report(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			h.jsonError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
			return
		}
		to = t
	}
	from := to.AddDate(0, 0, -30)
	if v := q.Get("from"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			h.jsonError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
			return
		}
		from = t
	}

	rep, err := h.ctrl.Report(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

// NumberAvailable handles GET /prescriptions/availability?number=
func (h *PrescriptionHandler) NumberAvailable(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		h.jsonError(w, "number is required", http.StatusBadRequest)
		return
	}
	ok, err := h.ctrl.IsNumberAvailable(r.Context(), number)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"number": number, "available": ok})
}

// ListValidations handles GET /prescriptions/{id}/validations
func (h *PrescriptionHandler) ListValidations(w http.ResponseWriter, r *http.Request) {
	records, err := h.ctrl.ListValidations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// ValidateRequest optionally overrides the validator display name
type ValidateRequest struct {
	ValidatorName string `json:"validator_name,omitempty"`
}

// Validate handles POST /prescriptions/{id}/validate
func (h *PrescriptionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	actor := middleware.GetActor(r.Context())
	name := req.ValidatorName
	if name == "" {
		name = actor.Name
	}
	res, err := h.ctrl.Validate(r.Context(), chi.URLParam(r, "id"), actor.ID, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// DispenseRequest names the warehouse the medication leaves from
type DispenseRequest struct {
	WarehouseID string `json:"warehouse_id"`
}

// Dispense handles POST /prescriptions/{id}/dispense
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.WarehouseID) == "" {
		h.jsonError(w, "warehouse_id is required", http.StatusBadRequest)
		return
	}
	p, err := h.ctrl.Dispense(r.Context(), chi.URLParam(r, "id"), middleware.GetActor(r.Context()).ID, req.WarehouseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// CancelRequest carries the cancellation reason
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /prescriptions/{id}/cancel
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	p, err := h.ctrl.Cancel(r.Context(), chi.URLParam(r, "id"), middleware.GetActor(r.Context()).ID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// SignRequest attaches a prescriber signature
type SignRequest struct {
	SignerID      string `json:"signer_id,omitempty"`
	SignatureData string `json:"signature_data"`
	Algorithm     string `json:"algorithm"`
}

// Sign handles POST /prescriptions/{id}/sign
func (h *PrescriptionHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.ctrl.Sign(r.Context(), chi.URLParam(r, "id"), req.SignerID, req.SignatureData, req.Algorithm)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// Sync handles POST /prescriptions/{id}/sync. With ?async=true the request
// is queued for the lifecycle worker and answered with 202.
func (h *PrescriptionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if r.URL.Query().Get("async") == "true" {
		if h.syncQueue == nil {
			h.jsonError(w, "asynchronous sync is not configured", http.StatusServiceUnavailable)
			return
		}
		if _, err := h.ctrl.Get(ctx, id); err != nil {
			h.writeError(w, r, err)
			return
		}
		requestID, err := h.syncQueue.RequestSync(ctx, id, middleware.GetActor(ctx).ID)
		if err != nil {
			h.logger.Error("queue registry sync failed", zap.String("id", id), zap.Error(err))
			h.jsonError(w, "failed to queue registry sync", http.StatusServiceUnavailable)
			return
		}
		h.writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID, "prescription_id": id})
		return
	}

	registryID, err := h.ctrl.SyncWithExternalRegistry(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"registry_id": registryID, "prescription_id": id})
}

// RefreshExpiry handles POST /prescriptions/{id}/refresh-expiry
func (h *PrescriptionHandler) RefreshExpiry(w http.ResponseWriter, r *http.Request) {
	p, changed, err := h.ctrl.RefreshExpiry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"prescription": p, "changed": changed})
}

// VerifySignature handles POST /signatures/{id}/verify
func (h *PrescriptionHandler) VerifySignature(w http.ResponseWriter, r *http.Request) {
	sig, err := h.ctrl.VerifySignature(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sig)
}

// StatusFor maps a lifecycle error to its HTTP status
func StatusFor(err error) int {
	switch {
	case errors.Is(err, prescription.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, prescription.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, prescription.ErrConflict),
		errors.Is(err, prescription.ErrInvalidState),
		errors.Is(err, idempotency.ErrMessageInProgress),
		errors.Is(err, idempotency.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, prescription.ErrExpired):
		return http.StatusGone
	case errors.Is(err, prescription.ErrInsufficientStock),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, prescription.ErrSyncFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *PrescriptionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= 500 {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal server error", status)
		return
	}
	body := map[string]interface{}{"error": err.Error()}
	var ie *prescription.InputError
	if errors.As(err, &ie) {
		body["fields"] = ie.Fields
	}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		body["trace_id"] = sc.TraceID().String()
	}
	h.writeJSON(w, status, body)
}

func (h *PrescriptionHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (h *PrescriptionHandler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// decodeOptional decodes a JSON body when one was sent
func (h *PrescriptionHandler) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	raw, err := readBody(r)
	if err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// parseDate accepts RFC 3339 or YYYY-MM-DD. With endOfDay a bare date
// resolves to its last instant.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return t, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}
