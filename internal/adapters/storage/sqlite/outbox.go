package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/scopeledger/internal/app"
	"github.com/hylla/scopeledger/internal/domain"
)

// outboxColumns lists the columns scanned by scanOutboxEntry.
const outboxColumns = `entry_id, event_id, aggregate_id, sequence, event_type, schema_version, payload_json, occurred_at,
	status, attempts, last_error, enqueued_at, processed_at`

// Enqueue records events for projection. An event already in the outbox keeps its entry.
func (r *Repository) Enqueue(ctx context.Context, events []domain.Event) ([]string, error) {
	records := make([]domain.EventRecord, 0, len(events))
	for _, evt := range events {
		if evt.Sequence <= 0 {
			return nil, fmt.Errorf("%w: event %s has no sequence", domain.ErrEventOutOfSequence, evt.ID)
		}
		rec, err := domain.EncodeEvent(evt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	var ids []string
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		out, err := r.enqueueRecords(ctx, tx, records)
		ids = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// enqueueRecords inserts outbox rows inside tx and returns entry ids in record order.
func (r *Repository) enqueueRecords(ctx context.Context, tx txExecQueryer, records []domain.EventRecord) ([]string, error) {
	enqueuedAt := ts(r.clock())
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		entryID := r.idGen()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox(entry_id, event_id, aggregate_id, sequence, event_type, schema_version, payload_json, occurred_at, status, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, entryID, rec.EventID, rec.AggregateID, rec.Sequence, string(rec.Type), rec.SchemaVersion, string(rec.PayloadJSON), ts(rec.OccurredAt), string(app.OutboxStatusPending), enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("enqueue event %s: %w", rec.EventID, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			if err := tx.QueryRowContext(ctx, `SELECT entry_id FROM outbox WHERE event_id = ?`, rec.EventID).Scan(&entryID); err != nil {
				return nil, fmt.Errorf("lookup outbox entry for %s: %w", rec.EventID, err)
			}
		}
		ids = append(ids, entryID)
	}
	return ids, nil
}

// blockedByFailed matches outbox rows aliased o that sit behind a failed entry of their aggregate.
const blockedByFailed = `EXISTS (
	SELECT 1 FROM outbox AS f
	WHERE f.aggregate_id = o.aggregate_id AND f.status = 'failed' AND f.sequence < o.sequence
)`

// FetchPending returns up to limit pending entries in enqueue order.
// Entries behind a failed entry of the same aggregate stay pending until it is requeued.
func (r *Repository) FetchPending(ctx context.Context, limit int) ([]app.OutboxEntry, error) {
	if limit <= 0 {
		return []app.OutboxEntry{}, nil
	}
	return queryOutbox(ctx, r.db, `
		SELECT `+outboxColumns+`
		FROM outbox AS o
		WHERE o.status = ? AND NOT `+blockedByFailed+`
		ORDER BY o.entry_seq ASC
		LIMIT ?
	`, string(app.OutboxStatusPending), limit)
}

// MarkProcessed moves a pending entry to processed. Marking a processed entry again is a no-op.
func (r *Repository) MarkProcessed(ctx context.Context, entryID string) error {
	entryID = strings.TrimSpace(entryID)
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, processed_at = ?
		WHERE entry_id = ? AND status = ?
	`, string(app.OutboxStatusProcessed), ts(r.clock()), entryID, string(app.OutboxStatusPending))
	if err != nil {
		return fmt.Errorf("mark outbox entry processed: %w", err)
	}
	if err := translateNoRows(res); err == nil || !errors.Is(err, app.ErrNotFound) {
		return err
	}
	status, err := outboxStatus(ctx, r.db, entryID)
	if err != nil {
		return err
	}
	if status != app.OutboxStatusProcessed {
		return fmt.Errorf("%w: outbox entry %s is %s", app.ErrNotFound, entryID, status)
	}
	return nil
}

// MarkFailed records one failed attempt. At maxAttempts (when positive) the entry becomes failed.
func (r *Repository) MarkFailed(ctx context.Context, entryID, reason string, maxAttempts int) (app.OutboxStatus, error) {
	entryID = strings.TrimSpace(entryID)
	var next app.OutboxStatus
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var (
			attempts int
			status   string
		)
		err := tx.QueryRowContext(ctx, `SELECT attempts, status FROM outbox WHERE entry_id = ?`, entryID).Scan(&attempts, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return app.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read outbox entry: %w", err)
		}
		if app.OutboxStatus(status) != app.OutboxStatusPending {
			next = app.OutboxStatus(status)
			return nil
		}
		attempts++
		next = app.OutboxStatusPending
		if maxAttempts > 0 && attempts >= maxAttempts {
			next = app.OutboxStatusFailed
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE outbox SET attempts = ?, last_error = ?, status = ?
			WHERE entry_id = ?
		`, attempts, reason, string(next), entryID)
		if err != nil {
			return fmt.Errorf("mark outbox entry failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// OutboxSummary counts entries per status and reports the oldest pending entry.
func (r *Repository) OutboxSummary(ctx context.Context) (app.OutboxSummary, error) {
	out, err := countOutbox(ctx, r.db)
	if err != nil {
		return app.OutboxSummary{}, err
	}
	if out.Pending == 0 {
		return out, nil
	}
	if out.Failed > 0 {
		err := r.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM outbox AS o WHERE o.status = ? AND `+blockedByFailed,
			string(app.OutboxStatusPending)).Scan(&out.Blocked)
		if err != nil {
			return app.OutboxSummary{}, fmt.Errorf("count blocked outbox entries: %w", err)
		}
	}
	var oldest string
	err = r.db.QueryRowContext(ctx, `
		SELECT enqueued_at FROM outbox WHERE status = ? ORDER BY entry_seq ASC LIMIT 1
	`, string(app.OutboxStatusPending)).Scan(&oldest)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return app.OutboxSummary{}, fmt.Errorf("read oldest pending entry: %w", err)
	}
	at := parseTS(oldest)
	out.OldestPendingAt = &at
	return out, nil
}

// countOutbox counts entries per status. The rows are closed before it returns.
func countOutbox(ctx context.Context, q queryer) (app.OutboxSummary, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return app.OutboxSummary{}, fmt.Errorf("summarize outbox: %w", err)
	}
	defer rows.Close()

	var out app.OutboxSummary
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return app.OutboxSummary{}, fmt.Errorf("scan outbox summary: %w", err)
		}
		switch app.OutboxStatus(status) {
		case app.OutboxStatusPending:
			out.Pending = count
		case app.OutboxStatusProcessed:
			out.Processed = count
		case app.OutboxStatusFailed:
			out.Failed = count
		}
	}
	return out, rows.Err()
}

// RequeueFailed moves a failed entry back to pending with its attempt count and last error cleared.
func (r *Repository) RequeueFailed(ctx context.Context, entryID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = 0, last_error = ''
		WHERE entry_id = ? AND status = ?
	`, string(app.OutboxStatusPending), strings.TrimSpace(entryID), string(app.OutboxStatusFailed))
	if err != nil {
		return fmt.Errorf("requeue outbox entry: %w", err)
	}
	return translateNoRows(res)
}

// ListOutbox returns entries in enqueue order, filtered by status when non-empty.
func (r *Repository) ListOutbox(ctx context.Context, status app.OutboxStatus, limit int) ([]app.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	if status == "" {
		return queryOutbox(ctx, r.db, `
			SELECT `+outboxColumns+` FROM outbox ORDER BY entry_seq ASC LIMIT ?
		`, limit)
	}
	return queryOutbox(ctx, r.db, `
		SELECT `+outboxColumns+` FROM outbox WHERE status = ? ORDER BY entry_seq ASC LIMIT ?
	`, string(status), limit)
}

// outboxStatus returns the status of one entry or app.ErrNotFound.
func outboxStatus(ctx context.Context, q queryRower, entryID string) (app.OutboxStatus, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM outbox WHERE entry_id = ?`, entryID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", app.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read outbox status: %w", err)
	}
	return app.OutboxStatus(status), nil
}

// queryOutbox runs a select over outboxColumns.
func queryOutbox(ctx context.Context, q queryer, query string, args ...any) ([]app.OutboxEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := make([]app.OutboxEntry, 0)
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// scanOutboxEntry decodes one outbox row.
func scanOutboxEntry(s scanner) (app.OutboxEntry, error) {
	var (
		entry       app.OutboxEntry
		eventType   string
		payload     string
		occurredAt  string
		status      string
		enqueuedAt  string
		processedAt sql.NullString
	)
	if err := s.Scan(
		&entry.ID,
		&entry.Record.EventID,
		&entry.Record.AggregateID,
		&entry.Record.Sequence,
		&eventType,
		&entry.Record.SchemaVersion,
		&payload,
		&occurredAt,
		&status,
		&entry.Attempts,
		&entry.LastError,
		&enqueuedAt,
		&processedAt,
	); err != nil {
		return app.OutboxEntry{}, fmt.Errorf("scan outbox entry: %w", err)
	}
	entry.Record.Type = domain.EventType(eventType)
	entry.Record.PayloadJSON = []byte(payload)
	entry.Record.OccurredAt = parseTS(occurredAt)
	entry.Status = app.OutboxStatus(status)
	entry.EnqueuedAt = parseTS(enqueuedAt)
	entry.ProcessedAt = parseNullTS(processedAt)
	return entry, nil
}
