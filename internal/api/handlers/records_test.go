package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careloop/rxledger/internal/api/middleware"
	"github.com/careloop/rxledger/internal/domain/actor"
	"github.com/careloop/rxledger/internal/domain/audit"
	"github.com/careloop/rxledger/internal/domain/record"
	"github.com/careloop/rxledger/internal/service"
	"github.com/careloop/rxledger/pkg/workerpool"
)

// memRepo is a minimal in-memory repository for handler tests.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*record.Prescription
}

func (m *memRepo) Create(_ context.Context, p *record.Prescription) (*record.Prescription, error) {
	if result := record.Validate(p, false); !result.Valid {
		return nil, record.ErrValidation(result.Errors)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.ID = uuid.New().String()
	cp.Number = "RX-" + cp.ID[:8]
	cp.Status = record.StatusActive
	cp.Version = 1
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.records[cp.ID] = &cp
	out := cp
	return &out, nil
}

// resolve honors the repository contract: records are addressable by ID or
// by number. Callers hold the lock.
func (m *memRepo) resolve(idOrNumber string) (*record.Prescription, bool) {
	if p, ok := m.records[idOrNumber]; ok {
		return p, true
	}
	for _, p := range m.records {
		if p.Number == idOrNumber && !p.Deleted {
			return p, true
		}
	}
	return nil, false
}

func (m *memRepo) Get(_ context.Context, idOrNumber string) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.resolve(idOrNumber)
	if !ok || p.Deleted {
		return nil, record.ErrNotFound(idOrNumber)
	}
	cp := *p
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, q record.ListQuery) (*record.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*record.Prescription{}
	for _, p := range m.records {
		if p.Deleted {
			continue
		}
		if q.OwnerPrescriberID != "" && p.Prescriber.ID != q.OwnerPrescriberID {
			continue
		}
		if q.OwnerPatientID != "" && p.Patient.ID != q.OwnerPatientID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return &record.Page{Records: out, Total: int64(len(out)), Page: q.Page, PageSize: q.PageSize}, nil
}

func (m *memRepo) Update(_ context.Context, idOrNumber string, patch *record.Patch) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.resolve(idOrNumber)
	if !ok || p.Deleted {
		return nil, record.ErrNotFound(idOrNumber)
	}
	cp := *p
	if err := cp.ApplyUpdate(patch, time.Now()); err != nil {
		return nil, err
	}
	m.records[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memRepo) SoftDelete(_ context.Context, idOrNumber string) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.resolve(idOrNumber)
	if !ok {
		return nil, record.ErrNotFound(idOrNumber)
	}
	cp := *p
	if err := cp.SoftDelete(time.Now()); err != nil {
		return nil, err
	}
	m.records[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memRepo) Verify(_ context.Context, idOrNumber, actorID string) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.records {
		if (p.ID == idOrNumber || p.Number == idOrNumber) && !p.Deleted {
			cp := *p
			if err := cp.MarkVerified(actorID, time.Now()); err != nil {
				return nil, err
			}
			m.records[p.ID] = &cp
			out := cp
			return &out, nil
		}
	}
	return nil, record.ErrNotFound(idOrNumber)
}

func (m *memRepo) DispenseItem(_ context.Context, idOrNumber string, index int, actorID, notes string) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.resolve(idOrNumber)
	if !ok {
		return nil, record.ErrNotFound(idOrNumber)
	}
	cp := *p
	if err := cp.DispenseItem(index, actorID, notes, time.Now()); err != nil {
		return nil, err
	}
	m.records[cp.ID] = &cp
	out := cp
	return &out, nil
}

// memLedger keeps entries in memory.
type memLedger struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memLedger) Append(_ context.Context, e *audit.Entry) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Timestamp = time.Now()
	m.entries = append(m.entries, *e)
	return e, nil
}

func (m *memLedger) Trail(_ context.Context, recordID string, _ audit.TrailFilter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []audit.Entry{}
	for _, e := range m.entries {
		if e.RecordID != nil && *e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) Activity(_ context.Context, actorID, _ string, _ audit.TrailFilter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []audit.Entry{}
	for _, e := range m.entries {
		if e.ActorID == actorID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) Stats(_ context.Context, _ audit.StatsFilter) (*audit.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &audit.Stats{ByAction: map[audit.Action]int64{}, ByRole: map[string]int64{}}
	for _, e := range m.entries {
		s.Total++
		s.ByAction[e.Action]++
		s.ByRole[e.ActorRole]++
	}
	return s, nil
}

func (m *memLedger) ValidateIntegrity(_ context.Context, recordID string) ([]audit.Defect, error) {
	entries, _ := m.Trail(context.Background(), recordID, audit.TrailFilter{})
	return audit.CheckIntegrity(entries), nil
}

const (
	prescriberToken = "tok-prescriber"
	dispenserToken  = "tok-dispenser"
	overseerToken   = "tok-overseer"
	patientToken    = "tok-patient"
)

func testServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()

	repo := &memRepo{records: map[string]*record.Prescription{}}
	ledger := &memLedger{}

	cfg := workerpool.Config{Workers: 1, QueueSize: 64, RetryDelay: time.Millisecond}
	svc, err := service.New(repo, ledger, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(func() { svc.Stop() })

	resolver := actor.NewStaticResolver(map[string]actor.Actor{
		prescriberToken: {ID: "presc-1", Role: actor.RolePrescriber, Name: "Dr. One"},
		dispenserToken:  {ID: "disp-1", Role: actor.RoleDispenser, Name: "Pharm"},
		overseerToken:   {ID: "over-1", Role: actor.RoleOverseer, Name: "Auditor"},
		patientToken:    {ID: "pat-1", Role: actor.RolePatient, Name: "Pat"},
	})

	recordHandler := NewRecordHandler(svc, nil, zap.NewNop())
	auditHandler := NewAuditHandler(svc, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ActorAuth(resolver))
		r.Mount("/records", recordHandler.Routes())
		r.Mount("/audit", auditHandler.Routes())
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, svc
}

func doJSON(t *testing.T, method, url, token string, body interface{}) (*http.Response, Envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func draftBody() map[string]interface{} {
	return map[string]interface{}{
		"prescriber": map[string]interface{}{
			"name": "Dr. One", "specialty": "Cardiology", "license_number": "LIC-1",
		},
		"patient": map[string]interface{}{
			"id": "pat-1", "name": "Pat", "age": 40, "gender": "other",
		},
		"medicines": []map[string]interface{}{
			{"name": "Aspirin", "dosage": "100mg", "frequency": "daily", "duration": "30 days"},
		},
	}
}

func createRecord(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/", prescriberToken, draftBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	return data["id"].(string)
}

func TestCreateEndpoint(t *testing.T) {
	ts, _ := testServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/", prescriberToken, draftBody())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	data := env.Data.(map[string]interface{})
	assert.NotEmpty(t, data["id"])
	assert.NotEmpty(t, data["number"])
	assert.Equal(t, "active", data["status"])
	assert.EqualValues(t, 1, data["version"])
	assert.Equal(t, "presc-1", data["prescriber"].(map[string]interface{})["id"])
}

func TestCreateRequiresCredential(t *testing.T) {
	ts, _ := testServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/", "", draftBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestCreateValidationFailure(t *testing.T) {
	ts, _ := testServer(t)

	body := draftBody()
	body["medicines"] = []map[string]interface{}{}
	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/", prescriberToken, body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Details, "at least one medicine is required")
}

func TestCreateForbiddenForPatient(t *testing.T) {
	ts, _ := testServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/", patientToken, draftBody())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}

func TestGetNotFound(t *testing.T) {
	ts, _ := testServer(t)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/records/"+uuid.New().String(), overseerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestGetByNumberAndMalformedID(t *testing.T) {
	ts, _ := testServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/", prescriberToken, draftBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	data := env.Data.(map[string]interface{})
	id := data["id"].(string)
	number := data["number"].(string)

	// Records are addressable by their human-readable number.
	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/records/"+number, overseerToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)
	assert.Equal(t, id, env.Data.(map[string]interface{})["id"])

	// A malformed id resolves to NOT_FOUND, never an internal failure.
	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/records/not-a-uuid", overseerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestVerifyAfterDispenseImmutable(t *testing.T) {
	ts, _ := testServer(t)
	id := createRecord(t, ts)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/"+id+"/dispense", dispenserToken,
		map[string]interface{}{"medicine_index": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/"+id+"/verify", dispenserToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "IMMUTABLE_RECORD", env.Error.Code)
}

func TestUpdateThenTerminalLock(t *testing.T) {
	ts, _ := testServer(t)
	id := createRecord(t, ts)

	// Dispense the only item to lock the record.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/"+id+"/dispense", dispenserToken,
		map[string]interface{}{"medicine_index": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, http.MethodPut, ts.URL+"/api/v1/records/"+id, prescriberToken,
		map[string]interface{}{"notes": "too late"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "IMMUTABLE_RECORD", env.Error.Code)
}

func TestDispenseTwiceReturns422(t *testing.T) {
	ts, _ := testServer(t)
	id := createRecord(t, ts)

	body := map[string]interface{}{"medicine_index": 0}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/"+id+"/dispense", dispenserToken, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/"+id+"/dispense", dispenserToken, body)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "ALREADY_DISPENSED", env.Error.Code)
}

func TestDispenseIndexOutOfRange(t *testing.T) {
	ts, _ := testServer(t)
	id := createRecord(t, ts)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/"+id+"/dispense", dispenserToken,
		map[string]interface{}{"medicine_index": 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INDEX_OUT_OF_RANGE", env.Error.Code)
}

func TestDeleteThenGone(t *testing.T) {
	ts, _ := testServer(t)
	id := createRecord(t, ts)

	resp, env := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/records/"+id, prescriberToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "cancelled", data["status"])

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/records/"+id, prescriberToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestVerifyByNumber(t *testing.T) {
	ts, _ := testServer(t)
	id := createRecord(t, ts)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/records/"+id, overseerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	number := env.Data.(map[string]interface{})["number"].(string)

	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/verify", dispenserToken,
		map[string]interface{}{"number": number})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, "disp-1", data["verified_by"])
	assert.Equal(t, "active", data["status"])
}

func TestVerifyForbiddenForPrescriber(t *testing.T) {
	ts, _ := testServer(t)
	id := createRecord(t, ts)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/records/"+id+"/verify", prescriberToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}

func TestListScopingAndPaging(t *testing.T) {
	ts, _ := testServer(t)
	createRecord(t, ts)
	createRecord(t, ts)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/records/?page=1&page_size=10", prescriberToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]interface{})
	assert.EqualValues(t, 2, data["total"])
}

func TestListRejectsBadQuery(t *testing.T) {
	ts, _ := testServer(t)

	for _, q := range []string{"?status=archived", "?page=0", "?page_size=1000", "?from=notatime"} {
		resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/records/"+q, overseerToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.Equal(t, "VALIDATION_ERROR", env.Error.Code, q)
	}
}

func TestTrailEndpoint(t *testing.T) {
	ts, svc := testServer(t)
	id := createRecord(t, ts)

	// Drain the async audit writer before reading the trail.
	require.NoError(t, svc.Stop())

	resp, env := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/records/%s/audit", ts.URL, id), overseerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries := env.Data.([]interface{})
	require.NotEmpty(t, entries)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "created", first["action"])
	assert.Equal(t, "presc-1", first["actor_id"])
}

func TestAuditAggregatesOverseerOnly(t *testing.T) {
	ts, _ := testServer(t)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/audit/stats", dispenserToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/audit/stats", overseerToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
}

func TestActivityRequiresActorID(t *testing.T) {
	ts, _ := testServer(t)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/audit/activity", overseerToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestIntegrityEndpoint(t *testing.T) {
	ts, svc := testServer(t)
	id := createRecord(t, ts)
	require.NoError(t, svc.Stop())

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/audit/integrity/"+id, overseerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, true, data["clean"])
}
