package domain

import (
	"strings"
	"time"
)

// ScopeRow is the denormalized read-model projection of one live scope.
type ScopeRow struct {
	ID             string
	Title          string
	Description    string
	ParentID       string
	CanonicalAlias string
	Archived       bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AliasRow is one alias owned by a scope.
type AliasRow struct {
	ScopeID     string
	Name        string
	IsCanonical bool
	CreatedAt   time.Time
}

// Equal compares two rows field by field, treating timestamps as instants.
func (r ScopeRow) Equal(other ScopeRow) bool {
	return r.ID == other.ID &&
		r.Title == other.Title &&
		r.Description == other.Description &&
		r.ParentID == other.ParentID &&
		r.CanonicalAlias == other.CanonicalAlias &&
		r.Archived == other.Archived &&
		r.Version == other.Version &&
		r.CreatedAt.Equal(other.CreatedAt) &&
		r.UpdatedAt.Equal(other.UpdatedAt)
}

// NormalizeAlias lowercases an alias and collapses every non [a-z0-9] run into one dash.
func NormalizeAlias(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	prevDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
			prevDash = false
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
