package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/scopeledger/internal/app"
	"github.com/hylla/scopeledger/internal/domain"
)

// scopeColumns lists the columns scanned by scanScope.
const scopeColumns = `id, title, description, parent_id, canonical_alias, archived, version, created_at, updated_at`

// GetScope returns one projected scope or app.ErrNotFound.
func (r *Repository) GetScope(ctx context.Context, id string) (domain.ScopeRow, error) {
	row, found, err := getScope(ctx, r.db, strings.TrimSpace(id))
	if err != nil {
		return domain.ScopeRow{}, err
	}
	if !found {
		return domain.ScopeRow{}, app.ErrNotFound
	}
	return row, nil
}

// ListChildScopes returns projected scopes whose parent is parentID, oldest first.
func (r *Repository) ListChildScopes(ctx context.Context, parentID string) ([]domain.ScopeRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+scopeColumns+`
		FROM scopes
		WHERE parent_id = ?
		ORDER BY created_at ASC, id ASC
	`, strings.TrimSpace(parentID))
	if err != nil {
		return nil, fmt.Errorf("list child scopes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScopeRow, 0)
	for rows.Next() {
		row, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListAliases returns a scope's aliases, canonical first.
func (r *Repository) ListAliases(ctx context.Context, scopeID string) ([]domain.AliasRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scope_id, alias_name, is_canonical, created_at
		FROM scope_aliases
		WHERE scope_id = ?
		ORDER BY is_canonical DESC, created_at ASC, alias_name ASC
	`, strings.TrimSpace(scopeID))
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AliasRow, 0)
	for rows.Next() {
		var (
			alias     domain.AliasRow
			canonical int
			createdAt string
		)
		if err := rows.Scan(&alias.ScopeID, &alias.Name, &canonical, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		alias.IsCanonical = canonical == 1
		alias.CreatedAt = parseTS(createdAt)
		out = append(out, alias)
	}
	return out, rows.Err()
}

// AliasOwner returns the scope that owns alias or app.ErrNotFound.
func (r *Repository) AliasOwner(ctx context.Context, alias string) (string, error) {
	owner, found, err := aliasOwner(ctx, r.db, strings.TrimSpace(alias))
	if err != nil {
		return "", err
	}
	if !found {
		return "", app.ErrNotFound
	}
	return owner, nil
}

// InProjectionTx runs fn inside one read-model transaction.
func (r *Repository) InProjectionTx(ctx context.Context, fn func(app.ProjectionTx) error) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return fn(projectionTx{tx: tx})
	})
}

// projectionTx implements app.ProjectionTx over one sql transaction.
type projectionTx struct {
	tx *sql.Tx
}

// Scope implements app.ProjectionTx.
func (p projectionTx) Scope(ctx context.Context, id string) (domain.ScopeRow, bool, error) {
	return getScope(ctx, p.tx, id)
}

// Tombstoned implements app.ProjectionTx.
func (p projectionTx) Tombstoned(ctx context.Context, id string) (bool, error) {
	var n int
	if err := p.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scope_tombstones WHERE scope_id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("read tombstone: %w", err)
	}
	return n > 0, nil
}

// PutScope implements app.ProjectionTx.
func (p projectionTx) PutScope(ctx context.Context, row domain.ScopeRow) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO scopes(`+scopeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			parent_id = excluded.parent_id,
			canonical_alias = excluded.canonical_alias,
			archived = excluded.archived,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, row.ID, row.Title, row.Description, row.ParentID, row.CanonicalAlias, boolToInt(row.Archived), row.Version, ts(row.CreatedAt), ts(row.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert scope %s: %w", row.ID, err)
	}
	return nil
}

// AliasOwner implements app.ProjectionTx.
func (p projectionTx) AliasOwner(ctx context.Context, alias string) (string, bool, error) {
	return aliasOwner(ctx, p.tx, alias)
}

// PutAlias implements app.ProjectionTx. Constraint violations surface as app.ErrProjection.
func (p projectionTx) PutAlias(ctx context.Context, alias domain.AliasRow) error {
	_, err := p.tx.ExecContext(ctx, `
		INSERT INTO scope_aliases(alias_name, scope_id, is_canonical, created_at)
		VALUES (?, ?, ?, ?)
	`, alias.Name, alias.ScopeID, boolToInt(alias.IsCanonical), ts(alias.CreatedAt))
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: insert alias %q for %s: %v", app.ErrProjection, alias.Name, alias.ScopeID, err)
		}
		return fmt.Errorf("insert alias %q: %w", alias.Name, err)
	}
	return nil
}

// DeleteScope implements app.ProjectionTx.
func (p projectionTx) DeleteScope(ctx context.Context, id string, sequence int64, at time.Time) error {
	if _, err := p.tx.ExecContext(ctx, `DELETE FROM scope_aliases WHERE scope_id = ?`, id); err != nil {
		return fmt.Errorf("delete aliases of %s: %w", id, err)
	}
	if _, err := p.tx.ExecContext(ctx, `DELETE FROM scopes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete scope %s: %w", id, err)
	}
	if _, err := p.tx.ExecContext(ctx, `
		INSERT INTO scope_tombstones(scope_id, sequence, deleted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(scope_id) DO NOTHING
	`, id, sequence, ts(at)); err != nil {
		return fmt.Errorf("write tombstone for %s: %w", id, err)
	}
	return nil
}

// getScope reads one scope row through q.
func getScope(ctx context.Context, q queryRower, id string) (domain.ScopeRow, bool, error) {
	row, err := scanScope(q.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM scopes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScopeRow{}, false, nil
	}
	if err != nil {
		return domain.ScopeRow{}, false, err
	}
	return row, true, nil
}

// aliasOwner returns the owning scope id when alias exists.
func aliasOwner(ctx context.Context, q queryRower, alias string) (string, bool, error) {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT scope_id FROM scope_aliases WHERE alias_name = ?`, alias).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read alias owner: %w", err)
	}
	return owner, true, nil
}

// scanScope decodes one scopes row.
func scanScope(s scanner) (domain.ScopeRow, error) {
	var (
		row       domain.ScopeRow
		archived  int
		createdAt string
		updatedAt string
	)
	if err := s.Scan(&row.ID, &row.Title, &row.Description, &row.ParentID, &row.CanonicalAlias, &archived, &row.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ScopeRow{}, err
		}
		return domain.ScopeRow{}, fmt.Errorf("scan scope: %w", err)
	}
	row.Archived = archived == 1
	row.CreatedAt = parseTS(createdAt)
	row.UpdatedAt = parseTS(updatedAt)
	return row, nil
}
