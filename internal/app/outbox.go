package app

import (
	"strings"
	"time"

	"github.com/hylla/scopeledger/internal/domain"
)

// OutboxStatus is the delivery state of one outbox entry.
type OutboxStatus string

// OutboxStatusPending and related constants define entry states.
const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// ParseOutboxStatus normalizes a user-supplied status. Empty means all statuses.
func ParseOutboxStatus(raw string) (OutboxStatus, bool) {
	switch status := OutboxStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case "", OutboxStatusPending, OutboxStatusProcessed, OutboxStatusFailed:
		return status, true
	default:
		return "", false
	}
}

// OutboxEntry is one event awaiting (or done with) projection.
type OutboxEntry struct {
	ID          string
	Record      domain.EventRecord
	Status      OutboxStatus
	Attempts    int
	LastError   string
	EnqueuedAt  time.Time
	ProcessedAt *time.Time
}

// OutboxSummary counts entries per status.
type OutboxSummary struct {
	Pending   int
	Processed int
	Failed    int
	// Blocked counts pending entries held back by a failed entry of the same aggregate.
	Blocked         int
	OldestPendingAt *time.Time
}

// Total returns the number of entries across statuses.
func (s OutboxSummary) Total() int {
	return s.Pending + s.Processed + s.Failed
}
