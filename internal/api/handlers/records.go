// Package handlers provides HTTP handlers for the records API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/careloop/rxledger/internal/api/middleware"
	"github.com/careloop/rxledger/internal/domain/record"
	"github.com/careloop/rxledger/internal/service"
	"github.com/careloop/rxledger/pkg/idempotency"
)

// RecordHandler handles prescription record endpoints
type RecordHandler struct {
	svc    *service.Service
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewRecordHandler creates a new handler. inbox may be nil, which disables
// idempotency-key replay on create.
func NewRecordHandler(svc *service.Service, inbox *idempotency.Inbox, logger *zap.Logger) *RecordHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes
func (h *RecordHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/verify", h.VerifyByNumber)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/verify", h.Verify)
	r.Post("/{id}/dispense", h.Dispense)
	r.Get("/{id}/audit", h.Trail)
	return r
}

// Create handles POST /records. An optional X-Idempotency-Key header makes
// the create replay-safe: a retried request returns the original record.
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	var p record.Prescription
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	if key == "" || h.inbox == nil {
		created, err := h.svc.Create(ctx, a, &p, clientMeta(r))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeData(w, http.StatusCreated, created)
		return
	}

	result, err := h.inbox.Process(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		created, err := h.svc.Create(ctx, a, &p, clientMeta(r))
		if err != nil {
			return nil, err
		}
		return json.Marshal(created)
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(Envelope{
				Success: false,
				Error:   &ErrorBody{Code: "REQUEST_IN_PROGRESS", Message: "a request with this idempotency key is being processed"},
			})
			return
		}
		writeErr(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeData(w, status, json.RawMessage(result.Result))
}

// List handles GET /records
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	q, err := parseListQuery(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	page, svcErr := h.svc.List(ctx, a, q, clientMeta(r))
	if svcErr != nil {
		writeErr(w, svcErr)
		return
	}
	writeData(w, http.StatusOK, page)
}

// Get handles GET /records/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	p, err := h.svc.Get(ctx, a, chi.URLParam(r, "id"), clientMeta(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

// Update handles PUT /records/{id}
func (h *RecordHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	var patch record.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	updated, err := h.svc.Update(ctx, a, chi.URLParam(r, "id"), &patch, clientMeta(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// Delete handles DELETE /records/{id}
func (h *RecordHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	deleted, err := h.svc.Delete(ctx, a, chi.URLParam(r, "id"), clientMeta(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, deleted)
}

// Verify handles POST /records/{id}/verify
func (h *RecordHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	verified, err := h.svc.Verify(ctx, a, chi.URLParam(r, "id"), clientMeta(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, verified)
}

// VerifyByNumberRequest is the body for POST /records/verify
type VerifyByNumberRequest struct {
	Number string `json:"number"`
}

// VerifyByNumber handles POST /records/verify
func (h *RecordHandler) VerifyByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	var req VerifyByNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number == "" {
		writeBadRequest(w, "number is required")
		return
	}

	verified, err := h.svc.Verify(ctx, a, req.Number, clientMeta(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, verified)
}

// DispenseRequest is the body for POST /records/{id}/dispense
type DispenseRequest struct {
	MedicineIndex int    `json:"medicine_index"`
	Notes         string `json:"notes,omitempty"`
}

// Dispense handles POST /records/{id}/dispense
func (h *RecordHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	updated, err := h.svc.Dispense(ctx, a, chi.URLParam(r, "id"), req.MedicineIndex, req.Notes, clientMeta(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func parseListQuery(r *http.Request) (record.ListQuery, error) {
	q := record.ListQuery{Page: 1, PageSize: 20}
	vals := r.URL.Query()

	if s := vals.Get("status"); s != "" {
		st := record.Status(s)
		if !record.ValidStatus(st) {
			return q, errInvalidParam("status")
		}
		q.Status = &st
	}
	if s := vals.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, errInvalidParam("from")
		}
		q.From = &t
	}
	if s := vals.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, errInvalidParam("to")
		}
		q.To = &t
	}
	if s := vals.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return q, errInvalidParam("page")
		}
		q.Page = n
	}
	if s := vals.Get("page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			return q, errInvalidParam("page_size")
		}
		q.PageSize = n
	}
	return q, nil
}

type paramError string

func errInvalidParam(name string) error { return paramError(name) }

func (e paramError) Error() string { return "invalid query parameter: " + string(e) }

// clientMeta extracts client metadata for audit entries.
func clientMeta(r *http.Request) service.Meta {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return service.Meta{IP: ip, UserAgent: r.UserAgent()}
}
