// Package service orchestrates record operations: authorization gate first,
// then the repository mutation, then a fire-and-forget audit append. Audit
// failures are logged and never propagate to the caller.
package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careloop/rxledger/internal/domain/actor"
	"github.com/careloop/rxledger/internal/domain/audit"
	"github.com/careloop/rxledger/internal/domain/record"
	"github.com/careloop/rxledger/internal/observability/metrics"
	"github.com/careloop/rxledger/pkg/workerpool"
)

// Meta carries client request metadata into audit entries.
type Meta struct {
	IP        string
	UserAgent string
}

// Service is the record orchestrator.
type Service struct {
	repo    record.Repository
	ledger  audit.Ledger
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New builds the orchestrator and its keyed audit writer. Tasks are keyed by
// record ID so appends for one record never reorder; the worker runs on a
// detached context, so caller cancellation after commit cannot drop an entry.
// metrics may be nil in tests.
func New(repo record.Repository, ledger audit.Ledger, poolCfg workerpool.Config, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:    repo,
		ledger:  ledger,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("record-service"),
	}

	pool, err := workerpool.New(poolCfg, s.appendAudit, logger.Named("audit-writer"))
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Start starts the audit writer workers.
func (s *Service) Start() { s.pool.Start() }

// Stop drains the audit writer.
func (s *Service) Stop() error { return s.pool.Stop() }

// AuditQueueStats exposes the writer's queue depth for gauges and readiness.
func (s *Service) AuditQueueStats() workerpool.Stats { return s.pool.Stats() }

// appendAudit is the worker function for queued audit entries.
func (s *Service) appendAudit(ctx context.Context, task *workerpool.Task) error {
	entry, ok := task.Payload.(*audit.Entry)
	if !ok {
		s.logger.Error("audit task with unexpected payload", zap.String("task_id", task.ID))
		return nil
	}

	if _, err := s.ledger.Append(ctx, entry); err != nil {
		if s.metrics != nil {
			s.metrics.AuditAppendFailures.Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.AuditAppends.Inc()
	}
	return nil
}

// queueAudit submits one entry to the keyed writer. Failures are logged and
// swallowed; the primary operation already committed.
func (s *Service) queueAudit(e *audit.Entry, meta Meta) {
	e.IP = meta.IP
	e.UserAgent = meta.UserAgent

	key := ""
	if e.RecordID != nil {
		key = *e.RecordID
	} else {
		key = e.ActorID
	}

	task := &workerpool.Task{
		ID:      uuid.New().String(),
		Key:     key,
		Payload: e,
	}
	if err := s.pool.Submit(task); err != nil {
		if s.metrics != nil {
			s.metrics.AuditAppendFailures.Inc()
		}
		s.logger.Error("failed to queue audit entry",
			zap.String("action", string(e.Action)),
			zap.Error(err))
	}
}

// Create validates and persists a new record. Prescribers may only create
// records under their own identity.
func (s *Service) Create(ctx context.Context, a actor.Actor, p *record.Prescription, meta Meta) (*record.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "service_create")
	defer span.End()

	if !actor.Allow(a, actor.OpCreate, actor.Ownership{}) {
		s.denied()
		return nil, record.ErrForbidden("role may not create records")
	}
	if p.Prescriber.ID != "" && p.Prescriber.ID != a.ID {
		s.denied()
		return nil, record.ErrForbidden("prescriber may only create own records")
	}
	p.Prescriber.ID = a.ID
	if p.Prescriber.Name == "" {
		p.Prescriber.Name = a.Name
	}

	created, err := s.repo.Create(ctx, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("record_id", created.ID))

	if s.metrics != nil {
		s.metrics.RecordsCreated.Inc()
	}
	entry := audit.NewEntry(&created.ID, audit.ActionCreated, a.ID, string(a.Role), a.Name)
	entry.Changes = asMap(created)
	s.queueAudit(entry, meta)

	return created, nil
}

// Get returns one record after an ownership-aware gate check. Reads are
// audited as viewed actions.
func (s *Service) Get(ctx context.Context, a actor.Actor, id string, meta Meta) (*record.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "service_get")
	defer span.End()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Allow(a, actor.OpRead, ownership(p)) {
		s.denied()
		return nil, record.ErrForbidden("not permitted to view this record")
	}

	entry := audit.NewEntry(&p.ID, audit.ActionViewed, a.ID, string(a.Role), a.Name)
	s.queueAudit(entry, meta)

	return p, nil
}

// List returns a page of records scoped to the caller: prescribers and
// patients only ever see their own.
func (s *Service) List(ctx context.Context, a actor.Actor, q record.ListQuery, meta Meta) (*record.Page, error) {
	ctx, span := s.tracer.Start(ctx, "service_list")
	defer span.End()

	if !actor.Allow(a, actor.OpList, actor.Ownership{}) {
		s.denied()
		return nil, record.ErrForbidden("role may not list records")
	}

	switch a.Role {
	case actor.RolePrescriber:
		q.OwnerPrescriberID = a.ID
	case actor.RolePatient:
		q.OwnerPatientID = a.ID
	}

	page, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, err
	}

	entry := audit.NewEntry(nil, audit.ActionViewed, a.ID, string(a.Role), a.Name)
	entry.Changes = map[string]interface{}{"scope": "list", "total": page.Total}
	s.queueAudit(entry, meta)

	return page, nil
}

// Update merges a patch into a record owned by the calling prescriber. The
// audit entry carries the patch and the pre-update state.
func (s *Service) Update(ctx context.Context, a actor.Actor, id string, patch *record.Patch, meta Meta) (*record.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "service_update")
	defer span.End()

	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Allow(a, actor.OpUpdate, ownership(before)) {
		s.denied()
		return nil, record.ErrForbidden("only the owning prescriber may update")
	}

	updated, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordsUpdated.Inc()
	}
	entry := audit.NewEntry(&updated.ID, audit.ActionUpdated, a.ID, string(a.Role), a.Name)
	entry.Changes = asMap(patch)
	entry.Previous = asMap(before)
	s.queueAudit(entry, meta)

	return updated, nil
}

// Delete soft-deletes (cancels) a record owned by the calling prescriber.
func (s *Service) Delete(ctx context.Context, a actor.Actor, id string, meta Meta) (*record.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "service_delete")
	defer span.End()

	before, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Allow(a, actor.OpDelete, ownership(before)) {
		s.denied()
		return nil, record.ErrForbidden("only the owning prescriber may delete")
	}

	deleted, err := s.repo.SoftDelete(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordsDeleted.Inc()
	}
	entry := audit.NewEntry(&deleted.ID, audit.ActionDeleted, a.ID, string(a.Role), a.Name)
	entry.Previous = asMap(before)
	s.queueAudit(entry, meta)

	return deleted, nil
}

// Verify stamps a record as verified by the calling dispenser. Accepts the
// record ID or its human-readable number.
func (s *Service) Verify(ctx context.Context, a actor.Actor, idOrNumber string, meta Meta) (*record.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "service_verify")
	defer span.End()

	if !actor.Allow(a, actor.OpVerify, actor.Ownership{}) {
		s.denied()
		return nil, record.ErrForbidden("only dispensers may verify")
	}

	verified, err := s.repo.Verify(ctx, idOrNumber, a.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordsVerified.Inc()
	}
	entry := audit.NewEntry(&verified.ID, audit.ActionVerified, a.ID, string(a.Role), a.Name)
	entry.Changes = map[string]interface{}{"number": verified.Number}
	s.queueAudit(entry, meta)

	return verified, nil
}

// Dispense marks one medicine line item dispensed.
func (s *Service) Dispense(ctx context.Context, a actor.Actor, id string, index int, notes string, meta Meta) (*record.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "service_dispense",
		trace.WithAttributes(attribute.Int("medicine_index", index)))
	defer span.End()

	if !actor.Allow(a, actor.OpDispense, actor.Ownership{}) {
		s.denied()
		return nil, record.ErrForbidden("only dispensers may dispense")
	}

	updated, err := s.repo.DispenseItem(ctx, id, index, a.ID, notes)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ItemsDispensed.Inc()
	}
	entry := audit.NewEntry(&updated.ID, audit.ActionDispensed, a.ID, string(a.Role), a.Name)
	entry.Changes = map[string]interface{}{
		"medicine_index": index,
		"notes":          notes,
		"status":         string(updated.Status),
	}
	s.queueAudit(entry, meta)

	return updated, nil
}

// Trail returns a record's audit entries, newest first.
func (s *Service) Trail(ctx context.Context, a actor.Actor, recordID string, f audit.TrailFilter) ([]audit.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "service_trail")
	defer span.End()

	p, err := s.repo.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !actor.Allow(a, actor.OpAuditRead, ownership(p)) {
		s.denied()
		return nil, record.ErrForbidden("not permitted to view this record's audit trail")
	}

	entries, err := s.ledger.Trail(ctx, recordID, f)
	if err != nil {
		return nil, record.ErrStoreUnavailable(err)
	}
	return entries, nil
}

// Activity returns one actor's audit entries across all records. Overseer only.
func (s *Service) Activity(ctx context.Context, a actor.Actor, actorID, actorRole string, f audit.TrailFilter) ([]audit.Entry, error) {
	ctx, span := s.tracer.Start(ctx, "service_activity")
	defer span.End()

	if a.Role != actor.RoleOverseer {
		s.denied()
		return nil, record.ErrForbidden("only overseers may query activity")
	}

	entries, err := s.ledger.Activity(ctx, actorID, actorRole, f)
	if err != nil {
		return nil, record.ErrStoreUnavailable(err)
	}
	return entries, nil
}

// AuditStats returns aggregate entry counts. Overseer only.
func (s *Service) AuditStats(ctx context.Context, a actor.Actor, f audit.StatsFilter) (*audit.Stats, error) {
	ctx, span := s.tracer.Start(ctx, "service_audit_stats")
	defer span.End()

	if a.Role != actor.RoleOverseer {
		s.denied()
		return nil, record.ErrForbidden("only overseers may query audit stats")
	}

	stats, err := s.ledger.Stats(ctx, f)
	if err != nil {
		return nil, record.ErrStoreUnavailable(err)
	}
	return stats, nil
}

// Integrity runs the ledger integrity diagnostic for one record. Overseer only.
func (s *Service) Integrity(ctx context.Context, a actor.Actor, recordID string) ([]audit.Defect, error) {
	ctx, span := s.tracer.Start(ctx, "service_integrity")
	defer span.End()

	if a.Role != actor.RoleOverseer {
		s.denied()
		return nil, record.ErrForbidden("only overseers may run integrity checks")
	}

	defects, err := s.ledger.ValidateIntegrity(ctx, recordID)
	if err != nil {
		return nil, record.ErrStoreUnavailable(err)
	}
	return defects, nil
}

func (s *Service) denied() {
	if s.metrics != nil {
		s.metrics.RequestsDenied.Inc()
	}
}

func ownership(p *record.Prescription) actor.Ownership {
	return actor.Ownership{
		PrescriberID: p.Prescriber.ID,
		PatientID:    p.Patient.ID,
	}
}

// asMap converts a struct to a generic map for audit payloads. The ledger
// sanitizes credential-like keys on append.
func asMap(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
