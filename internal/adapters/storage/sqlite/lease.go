package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AcquireLease takes or renews the named lease for owner until now+ttl.
// It reports false when another owner holds an unexpired lease.
func (r *Repository) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" || owner == "" {
		return false, errors.New("lease name and owner are required")
	}
	now := r.clock().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO drain_leases(name, owner, expires_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at_ms = excluded.expires_at_ms
		WHERE drain_leases.owner = excluded.owner OR drain_leases.expires_at_ms <= ?
	`, name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		if isBusyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseLease drops the lease when owner still holds it.
func (r *Repository) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM drain_leases WHERE name = ? AND owner = ?`, strings.TrimSpace(name), strings.TrimSpace(owner)); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
