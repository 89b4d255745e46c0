// Package idempotency provides an inbox for exactly-once-ish event handling
// on top of at-least-once delivery. Each event is keyed; a key that already
// FINISHED is skipped, a stale STARTED key is recovered and retried.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// ErrDuplicate indicates the event was already handled.
var ErrDuplicate = errors.New("event already processed")

// ErrInProgress indicates another worker currently holds the event.
var ErrInProgress = errors.New("event is being processed elsewhere")

// Entry is one inbox record.
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Config holds inbox settings.
type Config struct {
	// TTL bounds how long processed keys are remembered. Must exceed the
	// source topic's retention, or a replayed old event slips through.
	TTL time.Duration
	// CleanupInterval is how often expired keys are purged.
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is presumed crashed.
	RecoveryTimeout time.Duration
	// Terminal classifies handler errors that must not be retried.
	Terminal func(error) bool
}

// DefaultConfig returns inbox defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             14 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox tracks which events have been handled.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inbox.
func New(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
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

// EventKey derives a deterministic key from an event's identity fields.
func EventKey(eventType, aggregateID string, occurredAt time.Time) string {
	data := eventType + "|" + aggregateID + "|" + occurredAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HandlerFunc processes the payload and returns an optional result to store.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Outcome reports how Process resolved the event.
type Outcome struct {
	Duplicate bool
	Recovered bool
	Result    json.RawMessage
}

// Process runs fn at most once per key. Duplicates return the stored result
// without invoking fn. A retryable handler error leaves the entry
// RECOVERABLE; a terminal one pins it FAILED.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn HandlerFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Outcome{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: previously failed terminally", ErrDuplicate)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("recover stale entry: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.claim(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.Terminal != nil && i.config.Terminal(handlerErr) {
			status = StatusFailed
		}
		errPayload, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, errPayload); err != nil {
			i.logger.Error("inbox status update failed", zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler committed its own work; do not fail the event.
		i.logger.Error("inbox finish mark failed", zap.String("key", key), zap.Error(err))
	}

	return &Outcome{Recovered: recovered, Result: result}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	entry := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox WHERE idempotency_key = $1
	`, key).Scan(
		&entry.Key, &entry.Handler, &entry.Status, &entry.Payload,
		&entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE entry. A
// conflict on any other status means another worker won the race.
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) error {
	expiresAt := time.Now().Add(i.config.TTL)
	var claimed string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handler, StatusStarted, payload, expiresAt).Scan(&claimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicate
		}
		return fmt.Errorf("claim inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup launches the background purge of expired keys.
func (i *Inbox) StartCleanup() {
	go func() {
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
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop halts the cleanup goroutine.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanup(ctx context.Context) error {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup done", zap.Int64("deleted", tag.RowsAffected()))
	}
	return nil
}

// Recoverable lists entries waiting to be retried for one handler, oldest
// first, so a worker can re-drive them after recovery.
func (i *Inbox) Recoverable(ctx context.Context, handler string, limit int) ([]*Entry, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE handler_name = $1 AND status = 'RECOVERABLE'
		ORDER BY created_at
		LIMIT $2
	`, handler, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		err := rows.Scan(
			&entry.Key, &entry.Handler, &entry.Status, &entry.Payload,
			&entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecoverStale flips crashed STARTED entries to RECOVERABLE so they can be
// retried. Run at worker startup.
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED' AND updated_at < NOW() - $1::interval
	`, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
