package app

import (
	"context"
	"fmt"

	"github.com/hylla/scopeledger/internal/domain"
)

// Projector applies events to the read model. Every apply is idempotent under redelivery.
//
// A row's Version holds the highest sequence projected into it. Events at or below it are no-ops,
// and an event more than one past it fails with ErrProjection so a skipped event is never jumped over.
// Deleted scopes leave a tombstone so an earlier event delivered late cannot recreate them.
type Projector struct {
	store ProjectionStore
}

// NewProjector constructs a projector over store.
func NewProjector(store ProjectionStore) *Projector {
	return &Projector{store: store}
}

// Apply projects one sequenced event inside a single read-model transaction.
func (p *Projector) Apply(ctx context.Context, evt domain.Event) error {
	if err := evt.Validate(); err != nil {
		return projectionErrorf("event %s: %v", evt.ID, err)
	}
	if evt.Sequence <= 0 {
		return projectionErrorf("event %s has no sequence", evt.ID)
	}
	return p.store.InProjectionTx(ctx, func(tx ProjectionTx) error {
		tombstoned, err := tx.Tombstoned(ctx, evt.AggregateID)
		if err != nil {
			return err
		}
		if tombstoned {
			return nil
		}
		row, found, err := tx.Scope(ctx, evt.AggregateID)
		if err != nil {
			return err
		}

		if created, ok := evt.Payload.(domain.ScopeCreated); ok {
			if found {
				return nil
			}
			at := evt.OccurredAt.UTC()
			return tx.PutScope(ctx, domain.ScopeRow{
				ID:          evt.AggregateID,
				Title:       created.Title,
				Description: created.Description,
				ParentID:    created.ParentID,
				Version:     evt.Sequence,
				CreatedAt:   at,
				UpdatedAt:   at,
			})
		}
		if _, ok := evt.Payload.(domain.ScopeDeleted); ok {
			if found {
				if err := requireNext(row, evt); err != nil {
					return err
				}
			}
			return tx.DeleteScope(ctx, evt.AggregateID, evt.Sequence, evt.OccurredAt.UTC())
		}

		if !found {
			return projectionErrorf("%s seq %d: scope %s is not projected", evt.Type, evt.Sequence, evt.AggregateID)
		}
		if evt.Sequence <= row.Version {
			return nil
		}
		if err := requireNext(row, evt); err != nil {
			return err
		}
		return p.applyChange(ctx, tx, row, evt)
	})
}

// requireNext fails unless evt directly follows the last event projected into row.
func requireNext(row domain.ScopeRow, evt domain.Event) error {
	if evt.Sequence > row.Version+1 {
		return projectionErrorf("%s seq %d: scope %s is projected to %d, waiting for seq %d",
			evt.Type, evt.Sequence, evt.AggregateID, row.Version, row.Version+1)
	}
	return nil
}

// applyChange folds a non-lifecycle event into an existing row.
func (p *Projector) applyChange(ctx context.Context, tx ProjectionTx, row domain.ScopeRow, evt domain.Event) error {
	at := evt.OccurredAt.UTC()
	switch payload := evt.Payload.(type) {
	case domain.TitleUpdated:
		if row.Title != payload.Title {
			row.Title = payload.Title
			row.UpdatedAt = at
		}
	case domain.DescriptionUpdated:
		if row.Description != payload.Description {
			row.Description = payload.Description
			row.UpdatedAt = at
		}
	case domain.ScopeArchived:
		if !row.Archived {
			row.Archived = true
			row.UpdatedAt = at
		}
	case domain.ScopeRestored:
		if row.Archived {
			row.Archived = false
			row.UpdatedAt = at
		}
	case domain.AliasAssigned:
		owner, owned, err := tx.AliasOwner(ctx, payload.Alias)
		if err != nil {
			return err
		}
		switch {
		case owned && owner != row.ID:
			return projectionErrorf("alias %q already belongs to scope %s", payload.Alias, owner)
		case !owned:
			canonical := row.CanonicalAlias == ""
			if err := tx.PutAlias(ctx, domain.AliasRow{
				ScopeID:     row.ID,
				Name:        payload.Alias,
				IsCanonical: canonical,
				CreatedAt:   at,
			}); err != nil {
				return err
			}
			if canonical {
				row.CanonicalAlias = payload.Alias
			}
		}
	default:
		return projectionErrorf("unsupported event type %q", evt.Type)
	}
	row.Version = evt.Sequence
	if err := tx.PutScope(ctx, row); err != nil {
		return fmt.Errorf("project %s seq %d: %w", evt.Type, evt.Sequence, err)
	}
	return nil
}
