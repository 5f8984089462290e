package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careloop/rxledger/internal/domain/actor"
	"github.com/careloop/rxledger/internal/domain/audit"
	"github.com/careloop/rxledger/internal/domain/record"
	"github.com/careloop/rxledger/pkg/workerpool"
)

// mockRepo is a map-backed repository applying the model's state machine.
type mockRepo struct {
	mu          sync.Mutex
	records     map[string]*record.Prescription
	updateCalls int
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: map[string]*record.Prescription{}}
}

func (m *mockRepo) put(p *record.Prescription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.records[p.ID] = &cp
}

func (m *mockRepo) Create(_ context.Context, p *record.Prescription) (*record.Prescription, error) {
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

func (m *mockRepo) Get(_ context.Context, idOrNumber string) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[idOrNumber]
	if !ok {
		for _, cand := range m.records {
			if cand.Number == idOrNumber {
				p, ok = cand, true
				break
			}
		}
	}
	if !ok || p.Deleted {
		return nil, record.ErrNotFound(idOrNumber)
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, q record.ListQuery) (*record.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*record.Prescription
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
	return &record.Page{Records: out, Total: int64(len(out)), Page: 1, PageSize: len(out)}, nil
}

func (m *mockRepo) Update(_ context.Context, id string, patch *record.Patch) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	p, ok := m.records[id]
	if !ok || p.Deleted {
		return nil, record.ErrNotFound(id)
	}
	cp := *p
	if err := cp.ApplyUpdate(patch, time.Now()); err != nil {
		return nil, err
	}
	m.records[id] = &cp
	out := cp
	return &out, nil
}

func (m *mockRepo) SoftDelete(_ context.Context, id string) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, record.ErrNotFound(id)
	}
	cp := *p
	if err := cp.SoftDelete(time.Now()); err != nil {
		return nil, err
	}
	m.records[id] = &cp
	out := cp
	return &out, nil
}

func (m *mockRepo) Verify(_ context.Context, idOrNumber, actorID string) (*record.Prescription, error) {
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

func (m *mockRepo) DispenseItem(_ context.Context, id string, index int, actorID, notes string) (*record.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, record.ErrNotFound(id)
	}
	cp := *p
	if err := cp.DispenseItem(index, actorID, notes, time.Now()); err != nil {
		return nil, err
	}
	m.records[id] = &cp
	out := cp
	return &out, nil
}

// mockLedger records appends in memory; failAppends makes Append error.
type mockLedger struct {
	mu          sync.Mutex
	entries     []audit.Entry
	failAppends bool
}

func (m *mockLedger) Append(_ context.Context, e *audit.Entry) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppends {
		return nil, errors.New("ledger down")
	}
	e.Timestamp = time.Now()
	m.entries = append(m.entries, *e)
	return e, nil
}

func (m *mockLedger) Trail(_ context.Context, recordID string, _ audit.TrailFilter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if e.RecordID != nil && *e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockLedger) Activity(_ context.Context, actorID, _ string, _ audit.TrailFilter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if e.ActorID == actorID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockLedger) Stats(_ context.Context, _ audit.StatsFilter) (*audit.Stats, error) {
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

func (m *mockLedger) ValidateIntegrity(_ context.Context, recordID string) ([]audit.Defect, error) {
	entries, _ := m.Trail(context.Background(), recordID, audit.TrailFilter{})
	return audit.CheckIntegrity(entries), nil
}

func (m *mockLedger) actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Action, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

var (
	prescriberA = actor.Actor{ID: "presc-a", Role: actor.RolePrescriber, Name: "Dr. A"}
	prescriberB = actor.Actor{ID: "presc-b", Role: actor.RolePrescriber, Name: "Dr. B"}
	patientOne  = actor.Actor{ID: "pat-1", Role: actor.RolePatient, Name: "Pat"}
	dispenser   = actor.Actor{ID: "disp-1", Role: actor.RoleDispenser, Name: "Pharm"}
	overseer    = actor.Actor{ID: "over-1", Role: actor.RoleOverseer, Name: "Auditor"}
)

func testService(t *testing.T, repo *mockRepo, ledger *mockLedger) *Service {
	t.Helper()
	cfg := workerpool.Config{Workers: 1, QueueSize: 64, MaxRetries: 0, RetryDelay: time.Millisecond}
	svc, err := New(repo, ledger, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	svc.Start()
	return svc
}

func draft() *record.Prescription {
	return &record.Prescription{
		Prescriber: record.PrescriberInfo{
			Name: "Dr. A", Specialty: "Cardiology", LicenseNumber: "LIC-A",
		},
		Patient: record.PatientInfo{
			ID: "pat-1", Name: "Pat", Age: 40, Gender: record.GenderOther,
		},
		Medicines: []record.Medicine{
			{Name: "Aspirin", Dosage: "100mg", Frequency: "daily", Duration: "30 days"},
		},
	}
}

func TestCreateStampsPrescriberAndAudits(t *testing.T) {
	repo := newMockRepo()
	ledger := &mockLedger{}
	svc := testService(t, repo, ledger)

	created, err := svc.Create(context.Background(), prescriberA, draft(), Meta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, prescriberA.ID, created.Prescriber.ID)
	assert.Equal(t, record.StatusActive, created.Status)
	assert.Equal(t, 1, created.Version)

	require.NoError(t, svc.Stop())
	require.Len(t, ledger.entries, 1)
	e := ledger.entries[0]
	assert.Equal(t, audit.ActionCreated, e.Action)
	assert.Equal(t, prescriberA.ID, e.ActorID)
	assert.Equal(t, "10.0.0.1", e.IP)
	require.NotNil(t, e.RecordID)
	assert.Equal(t, created.ID, *e.RecordID)
}

func TestCreateRejectsForeignPrescriberRef(t *testing.T) {
	repo := newMockRepo()
	svc := testService(t, repo, &mockLedger{})
	defer svc.Stop()

	p := draft()
	p.Prescriber.ID = "someone-else"
	_, err := svc.Create(context.Background(), prescriberA, p, Meta{})
	assert.Equal(t, record.CodeForbidden, record.CodeOf(err))
}

func TestCreateEmptyMedicineList(t *testing.T) {
	repo := newMockRepo()
	svc := testService(t, repo, &mockLedger{})
	defer svc.Stop()

	p := draft()
	p.Medicines = nil
	_, err := svc.Create(context.Background(), prescriberA, p, Meta{})

	re, ok := record.AsError(err)
	require.True(t, ok)
	assert.Equal(t, record.CodeValidation, re.Code)
	assert.Contains(t, re.Details, "at least one medicine is required")
}

func TestUpdateByForeignPrescriberLeavesRecordUnchanged(t *testing.T) {
	repo := newMockRepo()
	svc := testService(t, repo, &mockLedger{})
	defer svc.Stop()

	created, err := svc.Create(context.Background(), prescriberA, draft(), Meta{})
	require.NoError(t, err)

	notes := "tampered"
	_, err = svc.Update(context.Background(), prescriberB, created.ID, &record.Patch{Notes: &notes}, Meta{})
	assert.Equal(t, record.CodeForbidden, record.CodeOf(err))

	after, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Version, after.Version)
	assert.Empty(t, after.Notes)
	assert.Zero(t, repo.updateCalls, "gate must short-circuit before the repository")
}

func TestDispenseSingleItemThenAgain(t *testing.T) {
	repo := newMockRepo()
	svc := testService(t, repo, &mockLedger{})
	defer svc.Stop()

	created, err := svc.Create(context.Background(), prescriberA, draft(), Meta{})
	require.NoError(t, err)

	updated, err := svc.Dispense(context.Background(), dispenser, created.ID, 0, "first fill", Meta{})
	require.NoError(t, err)
	assert.Equal(t, record.StatusDispensed, updated.Status)

	_, err = svc.Dispense(context.Background(), dispenser, created.ID, 0, "", Meta{})
	assert.Equal(t, record.CodeAlreadyDispensed, record.CodeOf(err))
}

func TestSoftDeleteCancelsThenBlocksUpdate(t *testing.T) {
	repo := newMockRepo()
	svc := testService(t, repo, &mockLedger{})
	defer svc.Stop()

	created, err := svc.Create(context.Background(), prescriberA, draft(), Meta{})
	require.NoError(t, err)

	deleted, err := svc.Delete(context.Background(), prescriberA, created.ID, Meta{})
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, record.StatusCancelled, deleted.Status)

	notes := "too late"
	_, err = svc.Update(context.Background(), prescriberA, created.ID, &record.Patch{Notes: &notes}, Meta{})
	assert.Equal(t, record.CodeNotFound, record.CodeOf(err))
}

func TestAuditFailureNeverPropagates(t *testing.T) {
	repo := newMockRepo()
	ledger := &mockLedger{failAppends: true}
	svc := testService(t, repo, ledger)

	created, err := svc.Create(context.Background(), prescriberA, draft(), Meta{})
	require.NoError(t, err, "create must succeed while the ledger is down")
	require.NotNil(t, created)

	require.NoError(t, svc.Stop())
	assert.Empty(t, ledger.entries)
}

func TestListScopedByRole(t *testing.T) {
	repo := newMockRepo()
	svc := testService(t, repo, &mockLedger{})
	defer svc.Stop()

	_, err := svc.Create(context.Background(), prescriberA, draft(), Meta{})
	require.NoError(t, err)

	other := draft()
	other.Patient.ID = "pat-2"
	_, err = svc.Create(context.Background(), prescriberB, other, Meta{})
	require.NoError(t, err)

	pageA, err := svc.List(context.Background(), prescriberA, record.ListQuery{}, Meta{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, pageA.Total)
	assert.Equal(t, prescriberA.ID, pageA.Records[0].Prescriber.ID)

	pagePat, err := svc.List(context.Background(), patientOne, record.ListQuery{}, Meta{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, pagePat.Total)
	assert.Equal(t, patientOne.ID, pagePat.Records[0].Patient.ID)

	pageAll, err := svc.List(context.Background(), overseer, record.ListQuery{}, Meta{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, pageAll.Total)
}

func TestGetEnforcesOwnership(t *testing.T) {
	repo := newMockRepo()
	svc := testService(t, repo, &mockLedger{})
	defer svc.Stop()

	created, err := svc.Create(context.Background(), prescriberA, draft(), Meta{})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), prescriberB, created.ID, Meta{})
	assert.Equal(t, record.CodeForbidden, record.CodeOf(err))

	got, err := svc.Get(context.Background(), patientOne, created.ID, Meta{})
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestTrailOrdering(t *testing.T) {
	repo := newMockRepo()
	ledger := &mockLedger{}
	svc := testService(t, repo, ledger)

	created, err := svc.Create(context.Background(), prescriberA, draft(), Meta{})
	require.NoError(t, err)

	notes := "v2"
	_, err = svc.Update(context.Background(), prescriberA, created.ID, &record.Patch{Notes: &notes}, Meta{})
	require.NoError(t, err)

	_, err = svc.Dispense(context.Background(), dispenser, created.ID, 0, "", Meta{})
	require.NoError(t, err)

	require.NoError(t, svc.Stop())

	// All entries share one record key, so the single pool worker preserves
	// submission order.
	assert.Equal(t, []audit.Action{audit.ActionCreated, audit.ActionUpdated, audit.ActionDispensed}, ledger.actions())
}

func TestOverseerOnlyAggregates(t *testing.T) {
	repo := newMockRepo()
	ledger := &mockLedger{}
	svc := testService(t, repo, ledger)
	defer svc.Stop()

	_, err := svc.Activity(context.Background(), dispenser, "presc-a", "", audit.TrailFilter{})
	assert.Equal(t, record.CodeForbidden, record.CodeOf(err))

	_, err = svc.AuditStats(context.Background(), prescriberA, audit.StatsFilter{})
	assert.Equal(t, record.CodeForbidden, record.CodeOf(err))

	_, err = svc.AuditStats(context.Background(), overseer, audit.StatsFilter{})
	assert.NoError(t, err)
}
