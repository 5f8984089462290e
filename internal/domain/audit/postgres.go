package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/careloop/rxledger/internal/infrastructure/postgres"
)

const defaultQueryLimit = 200

// PostgresLedger is the pgx-backed Ledger. The audit_entries table is
// append-only: this code path contains no UPDATE or DELETE against it, and
// the schema revokes both from the service role.
type PostgresLedger struct {
	pool        *pgxpool.Pool
	streamTopic string
	logger      *zap.Logger
}

// NewPostgresLedger creates a ledger. streamTopic is the Kafka topic audit
// entries are relayed to via the transactional outbox; empty disables
// streaming.
func NewPostgresLedger(pool *pgxpool.Pool, streamTopic string, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedger{pool: pool, streamTopic: streamTopic, logger: logger}
}

const entryCols = `id, record_id, action, actor_id, actor_role, actor_name,
	changes, previous, ip, user_agent, ts`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.RecordID, &e.Action, &e.ActorID, &e.ActorRole, &e.ActorName,
		&e.Changes, &e.Previous, &e.IP, &e.UserAgent, &e.Timestamp,
	)
	return e, err
}

// Append persists the entry with a server-assigned timestamp, sanitizing
// the change payloads, and queues it on the outbox in the same transaction.
func (l *PostgresLedger) Append(ctx context.Context, e *Entry) (*Entry, error) {
	e.Changes = Sanitize(e.Changes)
	e.Previous = Sanitize(e.Previous)
	e.Timestamp = time.Now().UTC()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_entries
			(id, record_id, action, actor_id, actor_role, actor_name,
			 changes, previous, ip, user_agent, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.RecordID, e.Action, e.ActorID, e.ActorRole, e.ActorName,
		e.Changes, e.Previous, e.IP, e.UserAgent, e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if l.streamTopic != "" {
		if err := l.queueStream(ctx, tx, e); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (l *PostgresLedger) queueStream(ctx context.Context, tx pgx.Tx, e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := e.ID
	recordID := ""
	if e.RecordID != nil {
		recordID = *e.RecordID
		key = recordID // one record, one partition, stable order
	}
	return postgres.WriteEntry(ctx, tx, &postgres.StreamEntry{
		EntryID:  e.ID,
		RecordID: recordID,
		Action:   string(e.Action),
		Payload:  payload,
		Topic:    l.streamTopic,
		Key:      key,
	})
}

// Trail returns a record's entries newest-first with optional filters.
func (l *PostgresLedger) Trail(ctx context.Context, recordID string, f TrailFilter) ([]Entry, error) {
	where := `record_id = $1`
	args := []interface{}{recordID}
	where, args = applyFilter(where, args, f)

	return l.query(ctx, where, args, f.Limit)
}

// Activity returns an actor's entries newest-first.
func (l *PostgresLedger) Activity(ctx context.Context, actorID, actorRole string, f TrailFilter) ([]Entry, error) {
	where := `actor_id = $1`
	args := []interface{}{actorID}
	if actorRole != "" {
		args = append(args, actorRole)
		where += fmt.Sprintf(` AND actor_role = $%d`, len(args))
	}
	where, args = applyFilter(where, args, f)

	return l.query(ctx, where, args, f.Limit)
}

func applyFilter(where string, args []interface{}, f TrailFilter) (string, []interface{}) {
	if f.Action != nil {
		args = append(args, string(*f.Action))
		where += fmt.Sprintf(` AND action = $%d`, len(args))
	}
	if f.ActorRole != nil {
		args = append(args, *f.ActorRole)
		where += fmt.Sprintf(` AND actor_role = $%d`, len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}
	return where, args
}

func (l *PostgresLedger) query(ctx context.Context, where string, args []interface{}, limit int) ([]Entry, error) {
	if limit <= 0 || limit > defaultQueryLimit {
		limit = defaultQueryLimit
	}
	args = append(args, limit)
	q := `SELECT ` + entryCols + ` FROM audit_entries WHERE ` + where +
		fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts per action kind and actor role.
func (l *PostgresLedger) Stats(ctx context.Context, f StatsFilter) (*Stats, error) {
	where := `TRUE`
	args := []interface{}{}
	if f.From != nil {
		args = append(args, *f.From)
		where += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}

	stats := &Stats{
		ByAction: make(map[Action]int64),
		ByRole:   make(map[string]int64),
	}

	rows, err := l.pool.Query(ctx,
		`SELECT action, actor_role, COUNT(*) FROM audit_entries WHERE `+where+
			` GROUP BY action, actor_role`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action Action
		var role string
		var count int64
		if err := rows.Scan(&action, &role, &count); err != nil {
			return nil, fmt.Errorf("scan audit stats: %w", err)
		}
		stats.ByAction[action] += count
		stats.ByRole[role] += count
		stats.Total += count
	}
	return stats, rows.Err()
}

// ValidateIntegrity loads a record's entries in insertion order and runs the
// pure integrity check over them. Ordering is by the seq column, not ts: a
// timestamp regression is exactly what the check must be able to see.
func (l *PostgresLedger) ValidateIntegrity(ctx context.Context, recordID string) ([]Defect, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryCols+` FROM audit_entries WHERE record_id = $1 ORDER BY seq ASC`,
		recordID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return CheckIntegrity(entries), nil
}
