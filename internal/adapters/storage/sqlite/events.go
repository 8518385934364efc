package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hylla/scopeledger/internal/app"
	"github.com/hylla/scopeledger/internal/domain"
)

// Append stores events at expectedVersion+1.. or returns *app.ConflictError.
func (r *Repository) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []domain.Event) (int64, error) {
	version, _, err := r.appendEvents(ctx, aggregateID, expectedVersion, events, false)
	return version, err
}

// AppendAndEnqueue stores events and their outbox entries in one transaction.
func (r *Repository) AppendAndEnqueue(ctx context.Context, aggregateID string, expectedVersion int64, events []domain.Event) (int64, []string, error) {
	return r.appendEvents(ctx, aggregateID, expectedVersion, events, true)
}

// appendEvents performs the conditional append, optionally enqueuing in the same transaction.
func (r *Repository) appendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []domain.Event, enqueue bool) (int64, []string, error) {
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return 0, nil, domain.ErrInvalidID
	}
	if expectedVersion < 0 {
		return 0, nil, fmt.Errorf("%w: negative expected version %d", domain.ErrEventOutOfSequence, expectedVersion)
	}
	if len(events) == 0 {
		return expectedVersion, nil, nil
	}
	records := make([]domain.EventRecord, 0, len(events))
	for i, evt := range events {
		if evt.AggregateID != aggregateID {
			return 0, nil, fmt.Errorf("%w: event %s belongs to %s, not %s", domain.ErrInvalidEvent, evt.ID, evt.AggregateID, aggregateID)
		}
		evt.Sequence = expectedVersion + int64(i) + 1
		rec, err := domain.EncodeEvent(evt)
		if err != nil {
			return 0, nil, err
		}
		records = append(records, rec)
	}

	var entryIDs []string
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, aggregateID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return &app.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
		}
		recordedAt := ts(r.clock())
		for _, rec := range records {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events(event_id, aggregate_id, sequence, event_type, schema_version, payload_json, occurred_at, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, rec.EventID, rec.AggregateID, rec.Sequence, string(rec.Type), rec.SchemaVersion, string(rec.PayloadJSON), ts(rec.OccurredAt), recordedAt); err != nil {
				return fmt.Errorf("insert event %s: %w", rec.EventID, err)
			}
		}
		if enqueue {
			ids, err := r.enqueueRecords(ctx, tx, records)
			if err != nil {
				return err
			}
			entryIDs = ids
		}
		return nil
	})
	if err != nil {
		if isConstraintError(err) {
			actual, lookupErr := currentVersion(ctx, r.db, aggregateID)
			if lookupErr == nil && actual != expectedVersion {
				return 0, nil, &app.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
			}
		}
		return 0, nil, err
	}
	return expectedVersion + int64(len(records)), entryIDs, nil
}

// ReadEvents returns events with sequence > fromVersion in ascending order.
func (r *Repository) ReadEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, aggregate_id, sequence, event_type, schema_version, payload_json, occurred_at
		FROM events
		WHERE aggregate_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`, strings.TrimSpace(aggregateID), fromVersion)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0)
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		evt, err := domain.DecodeEvent(rec)
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", rec.EventID, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// CountEvents returns the total number of stored events.
func (r *Repository) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// currentVersion returns the highest stored sequence for an aggregate, or zero.
func currentVersion(ctx context.Context, q queryRower, aggregateID string) (int64, error) {
	var version int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events WHERE aggregate_id = ?`, aggregateID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read aggregate version: %w", err)
	}
	return version, nil
}

// scanEventRecord decodes one events row.
func scanEventRecord(s scanner) (domain.EventRecord, error) {
	var (
		rec        domain.EventRecord
		eventType  string
		payload    string
		occurredAt string
	)
	if err := s.Scan(&rec.EventID, &rec.AggregateID, &rec.Sequence, &eventType, &rec.SchemaVersion, &payload, &occurredAt); err != nil {
		return domain.EventRecord{}, fmt.Errorf("scan event: %w", err)
	}
	rec.Type = domain.EventType(eventType)
	rec.PayloadJSON = []byte(payload)
	rec.OccurredAt = parseTS(occurredAt)
	return rec, nil
}
