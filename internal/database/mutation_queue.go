package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/models"
)

const mutationColumns = `id, resource_type, operation, target_id, payload, status, attempts, last_error, created_at, next_retry_at, processed_at`

// ErrMutationNotFound is returned when a queue entry id does not exist.
var ErrMutationNotFound = errors.New("mutation not found")

func (db *DB) InsertMutation(ctx context.Context, entry *models.QueueEntry) error {
	query := `INSERT INTO mutation_queue (id, resource_type, operation, target_id, payload, status, attempts, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, query,
		entry.ID,
		entry.ResourceType,
		string(entry.Operation),
		entry.TargetID,
		string(entry.Payload),
		entry.Status,
		entry.Attempts,
		entry.LastError,
		entry.CreatedAt,
		entry.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert mutation: %w", err)
	}
	return nil
}

func (db *DB) GetMutation(ctx context.Context, id string) (*models.QueueEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_queue WHERE id = ?`
	row := db.QueryRowContext(ctx, query, id)
	entry, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMutationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation: %w", err)
	}
	return entry, nil
}

// PendingMutations returns entries ready for replay in FIFO order.
// Entries in retry state are included only once their next_retry_at is due.
func (db *DB) PendingMutations(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_queue
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, rowid ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

func (db *DB) MutationsByStatus(ctx context.Context, status string) ([]models.QueueEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_queue WHERE status = ? ORDER BY created_at ASC, rowid ASC`
	rows, err := db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to get mutations by status: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// PendingForTarget returns all unresolved entries for one logical entity,
// oldest first. Used by the queue's collapse rules.
func (db *DB) PendingForTarget(ctx context.Context, resourceType, targetID string) ([]models.QueueEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_queue
              WHERE resource_type = ? AND target_id = ? AND status IN ('pending', 'retry', 'in_flight')
              ORDER BY created_at ASC, rowid ASC`
	rows, err := db.QueryContext(ctx, query, resourceType, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to get mutations for target: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

func (db *DB) UpdateMutationStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now()

	switch status {
	case models.QueueRetry:
		query = `UPDATE mutation_queue SET status = ?, last_error = ?, next_retry_at = ?, attempts = attempts + 1 WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	case models.QueueCompleted, models.QueueFailed, models.QueueCancelled:
		query = `UPDATE mutation_queue SET status = ?, last_error = ?, next_retry_at = NULL, processed_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, &now, id}
	default:
		query = `UPDATE mutation_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update mutation status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMutationNotFound
	}
	return nil
}

// RewriteTarget points still-queued entries at the server-assigned id once a
// create has been acknowledged.
func (db *DB) RewriteTarget(ctx context.Context, oldID, newID string) error {
	query := `UPDATE mutation_queue SET target_id = ? WHERE target_id = ? AND status IN ('pending', 'retry')`
	if _, err := db.ExecContext(ctx, query, newID, oldID); err != nil {
		return fmt.Errorf("failed to rewrite target id: %w", err)
	}
	return nil
}

// ResetMutation returns a terminal-failed entry to the pending set with a
// clean attempt counter. Used for the user-facing retry affordance.
func (db *DB) ResetMutation(ctx context.Context, id string) error {
	query := `UPDATE mutation_queue SET status = 'pending', attempts = 0, last_error = NULL, next_retry_at = NULL, processed_at = NULL WHERE id = ?`
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset mutation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMutationNotFound
	}
	return nil
}

// RequeueInFlight returns entries stranded in_flight by a crash to pending.
// Called once on startup, before any replay begins.
func (db *DB) RequeueInFlight(ctx context.Context) (int, error) {
	res, err := db.ExecContext(ctx, `UPDATE mutation_queue SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue in-flight mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue WHERE status IN ('pending', 'retry', 'in_flight')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(row rowScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var operation, payload string
	err := row.Scan(
		&e.ID, &e.ResourceType, &operation, &e.TargetID, &payload, &e.Status,
		&e.Attempts, &e.LastError, &e.CreatedAt, &e.NextRetryAt, &e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Operation = models.Operation(operation)
	if payload != "" {
		e.Payload = []byte(payload)
	}
	return &e, nil
}

func scanMutations(rows *sql.Rows) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}
