// Package idempotency provides the Inbox pattern for replay-safe record
// creation. A client retrying a create with the same idempotency key gets
// the originally stored response instead of a duplicate record.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	Status         Status
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is the time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages replay-safe request processing
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ErrInProgress indicates the request is currently being processed by
// another handler holding the same key.
var ErrInProgress = errors.New("request in progress by another handler")

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	Replayed bool
	Result   json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers. The
// returned payload is stored and replayed for duplicate keys.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process executes fn exactly once per key. A duplicate key whose first
// execution finished replays the stored result; a duplicate whose first
// execution is still running fails with ErrInProgress. A failed execution
// releases the key so the client may retry.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &ProcessResult{Replayed: true, Result: entry.Result}, nil

		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// Stale claim, likely a crash; fall through and reclaim.

		case StatusFailed:
			// Previous attempt failed; the client retry reclaims the key.
		}
	}

	if err := i.claim(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to claim key: %w", err)
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		if err := i.markStatus(ctx, key, StatusFailed, nil); err != nil {
			i.logger.Error("failed to mark inbox entry failed", zap.Error(err))
		}
		span.RecordError(fnErr)
		return nil, fnErr
	}

	if err := i.markStatus(ctx, key, StatusFinished, result); err != nil {
		// The operation itself succeeded; losing the replay record only
		// weakens dedupe for this key.
		i.logger.Error("failed to mark inbox entry finished", zap.Error(err))
	}

	return &ProcessResult{Result: result}, nil
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	entry := &InboxEntry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, status, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1`, key).Scan(
		&entry.IdempotencyKey, &entry.Status, &entry.Result,
		&entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// claim inserts or reclaims the key as STARTED. The conditional update only
// succeeds for FAILED or stale STARTED entries, so concurrent claims of a
// live key lose.
func (i *Inbox) claim(ctx context.Context, key string) error {
	expiresAt := time.Now().Add(i.config.DefaultTTL)

	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, status, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $2, updated_at = NOW()
		WHERE inbox.status = 'FAILED'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - $4::interval)
		RETURNING idempotency_key`,
		key, StatusStarted, expiresAt, i.config.RecoveryTimeout.String()).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInProgress
		}
		return err
	}
	return nil
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}

	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}

	return nil
}
