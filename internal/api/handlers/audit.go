package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/careloop/rxledger/internal/api/middleware"
	"github.com/careloop/rxledger/internal/domain/audit"
	"github.com/careloop/rxledger/internal/domain/record"
	"github.com/careloop/rxledger/internal/service"
)

// AuditHandler exposes the overseer-facing ledger queries.
type AuditHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewAuditHandler creates a new handler
func NewAuditHandler(svc *service.Service, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/activity", h.Activity)
	r.Get("/stats", h.Stats)
	r.Get("/integrity/{id}", h.Integrity)
	return r
}

// Activity handles GET /audit/activity
func (h *AuditHandler) Activity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	actorID := r.URL.Query().Get("actor_id")
	if actorID == "" {
		writeBadRequest(w, "actor_id is required")
		return
	}
	actorRole := r.URL.Query().Get("actor_role")

	f, err := parseTrailFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, svcErr := h.svc.Activity(ctx, a, actorID, actorRole, f)
	if svcErr != nil {
		writeErr(w, svcErr)
		return
	}
	writeData(w, http.StatusOK, entries)
}

// Stats handles GET /audit/stats
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	var f audit.StatsFilter
	vals := r.URL.Query()
	if s := vals.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeBadRequest(w, "invalid query parameter: from")
			return
		}
		f.From = &t
	}
	if s := vals.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeBadRequest(w, "invalid query parameter: to")
			return
		}
		f.To = &t
	}

	stats, err := h.svc.AuditStats(ctx, a, f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// Integrity handles GET /audit/integrity/{id}
func (h *AuditHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	defects, err := h.svc.Integrity(ctx, a, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	// Defects are findings, not failures; an empty list means a clean trail.
	writeData(w, http.StatusOK, map[string]interface{}{
		"record_id": chi.URLParam(r, "id"),
		"defects":   defects,
		"clean":     len(defects) == 0,
	})
}

// Trail handles GET /records/{id}/audit (mounted from the record routes).
func (h *RecordHandler) Trail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := middleware.GetActor(ctx)
	if !ok {
		writeErr(w, record.ErrForbidden("no authenticated actor"))
		return
	}

	f, err := parseTrailFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, svcErr := h.svc.Trail(ctx, a, chi.URLParam(r, "id"), f)
	if svcErr != nil {
		writeErr(w, svcErr)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func parseTrailFilter(r *http.Request) (audit.TrailFilter, error) {
	var f audit.TrailFilter
	vals := r.URL.Query()

	if s := vals.Get("action"); s != "" {
		a := audit.Action(s)
		if !audit.ValidAction(a) {
			return f, errInvalidParam("action")
		}
		f.Action = &a
	}
	if s := vals.Get("role"); s != "" {
		f.ActorRole = &s
	}
	if s := vals.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errInvalidParam("from")
		}
		f.From = &t
	}
	if s := vals.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errInvalidParam("to")
		}
		f.To = &t
	}
	if s := vals.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			return f, errInvalidParam("limit")
		}
		f.Limit = n
	}
	return f, nil
}
