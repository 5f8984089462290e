package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/careloop/rxledger/pkg/circuitbreaker"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on (number) WHERE NOT deleted. It is the authoritative uniqueness
// guard; the generator's pre-check only avoids wasting a write attempt.
const uniqueViolation = "23505"

const defaultStoreTimeout = 5 * time.Second

// PostgresRepository is the pgx-backed Repository. Every mutation runs in a
// single-record transaction with a row lock, so writes to different records
// never contend.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	gen     *NumberGenerator
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	timeout time.Duration
}

// NewPostgresRepository creates a repository. The breaker may be nil.
func NewPostgresRepository(pool *pgxpool.Pool, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *PostgresRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &PostgresRepository{
		pool:    pool,
		breaker: breaker,
		logger:  logger,
		timeout: defaultStoreTimeout,
	}
	r.gen = NewNumberGenerator(r.numberExists)
	return r
}

const recordCols = `id, number, prescriber, patient, medicines, notes, lab_tests,
	follow_up, status, version, deleted, deleted_at, verified_by, verified_at,
	created_at, updated_at`

func scanRecord(row pgx.Row) (*Prescription, error) {
	p := &Prescription{}
	err := row.Scan(
		&p.ID, &p.Number, &p.Prescriber, &p.Patient, &p.Medicines, &p.Notes,
		&p.LabTests, &p.FollowUp, &p.Status, &p.Version, &p.Deleted,
		&p.DeletedAt, &p.VerifiedBy, &p.VerifiedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func (r *PostgresRepository) numberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prescriptions WHERE number = $1 AND NOT deleted)`,
		number).Scan(&exists)
	if err != nil {
		return false, storeErr("check number", err)
	}
	return exists, nil
}

// guard runs fn through the circuit breaker when one is configured; an open
// circuit surfaces as STORE_UNAVAILABLE.
func (r *PostgresRepository) guard(ctx context.Context, fn func(ctx context.Context) (*Prescription, error)) (*Prescription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.breaker == nil {
		return fn(ctx)
	}
	out, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if circuitbreaker.IsCircuitOpen(err) {
			return nil, ErrStoreUnavailable(err)
		}
		return nil, err
	}
	return out.(*Prescription), nil
}

// Create validates, assigns identity and persists. A unique-index rejection
// on the number triggers a bounded regenerate-and-retry.
func (r *PostgresRepository) Create(ctx context.Context, p *Prescription) (*Prescription, error) {
	p.Normalize()
	if result := Validate(p, false); !result.Valid {
		return nil, ErrValidation(result.Errors)
	}

	return r.guard(ctx, func(ctx context.Context) (*Prescription, error) {
		now := time.Now().UTC()
		p.ID = uuid.New().String()
		p.Status = StatusActive
		p.Version = 1
		p.Deleted = false
		p.CreatedAt = now
		p.UpdatedAt = now

		for attempt := 0; attempt < maxNumberAttempts; attempt++ {
			number, err := r.gen.Next(ctx)
			if err != nil {
				return nil, err
			}
			p.Number = number

			err = r.insert(ctx, p)
			if err == nil {
				return p, nil
			}
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				r.logger.Warn("record number collision, retrying",
					zap.String("number", number),
					zap.Int("attempt", attempt+1))
				continue
			}
			return nil, storeErr("insert record", err)
		}
		return nil, ErrGenerationExhausted(maxNumberAttempts)
	})
}

func (r *PostgresRepository) insert(ctx context.Context, p *Prescription) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO prescriptions
			(id, number, prescriber, patient, medicines, notes, lab_tests,
			 follow_up, status, version, deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.Number, p.Prescriber, p.Patient, p.Medicines, p.Notes,
		p.LabTests, p.FollowUp, p.Status, p.Version, p.Deleted,
		p.CreatedAt, p.UpdatedAt)
	return err
}

// Get returns a non-deleted record by ID or number.
func (r *PostgresRepository) Get(ctx context.Context, idOrNumber string) (*Prescription, error) {
	return r.guard(ctx, func(ctx context.Context) (*Prescription, error) {
		id, err := r.resolveID(ctx, idOrNumber)
		if err != nil {
			return nil, err
		}
		p, err := scanRecord(r.pool.QueryRow(ctx,
			`SELECT `+recordCols+` FROM prescriptions WHERE id = $1 AND NOT deleted`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound(idOrNumber)
			}
			return nil, storeErr("get record", err)
		}
		return p, nil
	})
}

// List returns a filtered, scoped page of non-deleted records.
func (r *PostgresRepository) List(ctx context.Context, q ListQuery) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 || q.PageSize > 100 {
		q.PageSize = 20
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where := `NOT deleted`
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.OwnerPrescriberID != "" {
		where += ` AND prescriber->>'id' = ` + arg(q.OwnerPrescriberID)
	}
	if q.OwnerPatientID != "" {
		where += ` AND patient->>'id' = ` + arg(q.OwnerPatientID)
	}
	if q.Status != nil {
		where += ` AND status = ` + arg(string(*q.Status))
	}
	if q.From != nil {
		where += ` AND created_at >= ` + arg(*q.From)
	}
	if q.To != nil {
		where += ` AND created_at <= ` + arg(*q.To)
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, storeErr("count records", err)
	}

	query := `SELECT ` + recordCols + ` FROM prescriptions WHERE ` + where +
		` ORDER BY created_at DESC LIMIT ` + arg(q.PageSize) + ` OFFSET ` + arg((q.Page-1)*q.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list records", err)
	}
	defer rows.Close()

	records := make([]*Prescription, 0, q.PageSize)
	for rows.Next() {
		p, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("scan record", err)
		}
		records = append(records, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list records", err)
	}

	totalPages := int((total + int64(q.PageSize) - 1) / int64(q.PageSize))
	return &Page{
		Records:    records,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: totalPages,
	}, nil
}

// Update merges, re-validates and persists under a row lock.
func (r *PostgresRepository) Update(ctx context.Context, idOrNumber string, patch *Patch) (*Prescription, error) {
	return r.guard(ctx, func(ctx context.Context) (*Prescription, error) {
		id, err := r.resolveID(ctx, idOrNumber)
		if err != nil {
			return nil, err
		}
		return r.mutate(ctx, id, func(p *Prescription) error {
			return p.ApplyUpdate(patch, time.Now().UTC())
		})
	})
}

// SoftDelete cancels the record atomically with the soft-delete flag.
func (r *PostgresRepository) SoftDelete(ctx context.Context, idOrNumber string) (*Prescription, error) {
	return r.guard(ctx, func(ctx context.Context) (*Prescription, error) {
		id, err := r.resolveID(ctx, idOrNumber)
		if err != nil {
			return nil, err
		}
		return r.mutate(ctx, id, func(p *Prescription) error {
			return p.SoftDelete(time.Now().UTC())
		})
	})
}

// Verify locates by ID or number and stamps the verifying actor.
func (r *PostgresRepository) Verify(ctx context.Context, idOrNumber, actorID string) (*Prescription, error) {
	return r.guard(ctx, func(ctx context.Context) (*Prescription, error) {
		id, err := r.resolveID(ctx, idOrNumber)
		if err != nil {
			return nil, err
		}
		return r.mutate(ctx, id, func(p *Prescription) error {
			return p.MarkVerified(actorID, time.Now().UTC())
		})
	})
}

// DispenseItem marks one line item dispensed under the row lock; the
// all-dispensed status transition happens inside the same transaction.
func (r *PostgresRepository) DispenseItem(ctx context.Context, idOrNumber string, index int, actorID, notes string) (*Prescription, error) {
	return r.guard(ctx, func(ctx context.Context) (*Prescription, error) {
		id, err := r.resolveID(ctx, idOrNumber)
		if err != nil {
			return nil, err
		}
		return r.mutate(ctx, id, func(p *Prescription) error {
			return p.DispenseItem(index, actorID, notes, time.Now().UTC())
		})
	})
}

// resolveID maps a record number to its ID; UUIDs pass through. Running it
// before every single-record query keeps non-UUID path parameters away from
// the uuid-typed column, so a malformed id resolves to NOT_FOUND instead of
// a cast error.
func (r *PostgresRepository) resolveID(ctx context.Context, idOrNumber string) (string, error) {
	if _, err := uuid.Parse(idOrNumber); err == nil {
		return idOrNumber, nil
	}
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM prescriptions WHERE number = $1 AND NOT deleted`, idOrNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound(idOrNumber)
		}
		return "", storeErr("resolve number", err)
	}
	return id, nil
}

// mutate loads the record under FOR UPDATE, applies the domain mutation and
// writes the result back in the same transaction.
func (r *PostgresRepository) mutate(ctx context.Context, id string, fn func(*Prescription) error) (*Prescription, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordCols+` FROM prescriptions WHERE id = $1 AND NOT deleted FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound(id)
		}
		return nil, storeErr("lock record", err)
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE prescriptions SET
			patient = $2, medicines = $3, notes = $4, lab_tests = $5,
			follow_up = $6, status = $7, version = $8, deleted = $9,
			deleted_at = $10, verified_by = $11, verified_at = $12, updated_at = $13
		WHERE id = $1`,
		p.ID, p.Patient, p.Medicines, p.Notes, p.LabTests, p.FollowUp,
		p.Status, p.Version, p.Deleted, p.DeletedAt, p.VerifiedBy,
		p.VerifiedAt, p.UpdatedAt)
	if err != nil {
		return nil, storeErr("update record", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit", err)
	}
	return p, nil
}

// storeErr keeps typed domain errors intact and classifies infrastructure
// failures as transient (STORE_UNAVAILABLE) or internal.
func storeErr(op string, err error) error {
	if re, ok := AsError(err); ok {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrStoreUnavailable(fmt.Errorf("%s: %w", op, err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions; class 57: operator intervention
		// (shutdown). Both are transient from the caller's point of view.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return ErrStoreUnavailable(fmt.Errorf("%s: %w", op, err))
		}
	}
	return ErrInternal(fmt.Errorf("%s: %w", op, err))
}
