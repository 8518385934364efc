package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// State is the in-memory snapshot of one scope aggregate, rebuilt by folding its events.
type State struct {
	ID             string
	Version        int64
	Title          string
	Description    string
	ParentID       string
	Aliases        []string
	CanonicalAlias string
	Archived       bool
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Exists reports whether at least one event has been folded.
func (s State) Exists() bool {
	return s.Version > 0
}

// HasAlias reports whether the scope already carries the alias.
func (s State) HasAlias(alias string) bool {
	return slices.Contains(s.Aliases, alias)
}

// Replay folds an ordered event history into a fresh state.
func Replay(events []Event) (State, error) {
	state := State{}
	for _, evt := range events {
		next, err := Fold(state, evt)
		if err != nil {
			return State{}, err
		}
		state = next
	}
	return state, nil
}

// Fold applies one event to the state. Sequences must be contiguous.
func Fold(state State, evt Event) (State, error) {
	if evt.Sequence != state.Version+1 {
		return State{}, fmt.Errorf("%w: aggregate %s at version %d got sequence %d", ErrEventOutOfSequence, evt.AggregateID, state.Version, evt.Sequence)
	}
	if state.Exists() && evt.AggregateID != state.ID {
		return State{}, fmt.Errorf("%w: event for %s folded into %s", ErrInvalidEvent, evt.AggregateID, state.ID)
	}
	at := evt.OccurredAt.UTC()

	switch p := evt.Payload.(type) {
	case ScopeCreated:
		if state.Exists() {
			return State{}, fmt.Errorf("%w: %s", ErrScopeExists, evt.AggregateID)
		}
		state.ID = evt.AggregateID
		state.Title = p.Title
		state.Description = p.Description
		state.ParentID = p.ParentID
		state.CreatedAt = at
		state.UpdatedAt = at
	case TitleUpdated:
		state.Title = p.Title
		state.UpdatedAt = at
	case DescriptionUpdated:
		state.Description = p.Description
		state.UpdatedAt = at
	case AliasAssigned:
		if !state.HasAlias(p.Alias) {
			state.Aliases = append(slices.Clone(state.Aliases), p.Alias)
		}
		if state.CanonicalAlias == "" {
			state.CanonicalAlias = p.Alias
		}
	case ScopeArchived:
		state.Archived = true
		state.UpdatedAt = at
	case ScopeRestored:
		state.Archived = false
		state.UpdatedAt = at
	case ScopeDeleted:
		state.Deleted = true
		state.UpdatedAt = at
	default:
		return State{}, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.Type)
	}
	state.Version = evt.Sequence
	return state, nil
}

// Row projects the state onto its read-model shape.
func (s State) Row() ScopeRow {
	return ScopeRow{
		ID:             s.ID,
		Title:          s.Title,
		Description:    s.Description,
		ParentID:       s.ParentID,
		CanonicalAlias: s.CanonicalAlias,
		Archived:       s.Archived,
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// CreateScopeInput holds validated values for a new scope.
type CreateScopeInput struct {
	Title       string
	Description string
	ParentID    string
	Alias       string
}

// DecideCreate returns the events that start a scope: ScopeCreated then its canonical AliasAssigned.
func DecideCreate(in CreateScopeInput) ([]Payload, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ErrInvalidTitle
	}
	alias := NormalizeAlias(in.Alias)
	if alias == "" {
		return nil, ErrInvalidAlias
	}
	return []Payload{
		ScopeCreated{
			Title:       title,
			Description: strings.TrimSpace(in.Description),
			ParentID:    strings.TrimSpace(in.ParentID),
		},
		AliasAssigned{Alias: alias},
	}, nil
}

// DecideUpdate emits one event per field that actually changes. Nil pointers leave a field alone.
func (s State) DecideUpdate(title, description *string) ([]Payload, error) {
	if err := s.requireLive(); err != nil {
		return nil, err
	}
	out := make([]Payload, 0, 2)
	if title != nil {
		next := strings.TrimSpace(*title)
		if next == "" {
			return nil, ErrInvalidTitle
		}
		if next != s.Title {
			out = append(out, TitleUpdated{Title: next})
		}
	}
	if description != nil {
		next := strings.TrimSpace(*description)
		if next != s.Description {
			out = append(out, DescriptionUpdated{Description: next})
		}
	}
	return out, nil
}

// DecideDelete emits the terminal ScopeDeleted event.
func (s State) DecideDelete() ([]Payload, error) {
	if err := s.requireLive(); err != nil {
		return nil, err
	}
	return []Payload{ScopeDeleted{}}, nil
}

// DecideArchive is a no-op for archived scopes.
func (s State) DecideArchive() ([]Payload, error) {
	if err := s.requireLive(); err != nil {
		return nil, err
	}
	if s.Archived {
		return nil, nil
	}
	return []Payload{ScopeArchived{}}, nil
}

// DecideRestore is a no-op for scopes that are not archived.
func (s State) DecideRestore() ([]Payload, error) {
	if err := s.requireLive(); err != nil {
		return nil, err
	}
	if !s.Archived {
		return nil, nil
	}
	return []Payload{ScopeRestored{}}, nil
}

// DecideAssignAlias adds one alias. Re-assigning an alias the scope already has is a no-op.
func (s State) DecideAssignAlias(alias string) ([]Payload, error) {
	if err := s.requireLive(); err != nil {
		return nil, err
	}
	alias = NormalizeAlias(alias)
	if alias == "" {
		return nil, ErrInvalidAlias
	}
	if s.HasAlias(alias) {
		return nil, nil
	}
	return []Payload{AliasAssigned{Alias: alias}}, nil
}

func (s State) requireLive() error {
	if !s.Exists() {
		return ErrInvalidID
	}
	if s.Deleted {
		return ErrScopeDeleted
	}
	return nil
}
