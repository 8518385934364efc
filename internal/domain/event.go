package domain

import (
	"strings"
	"time"
)

// EventType identifies one variant of the scope event union.
type EventType string

// EventType values persisted in the event log.
const (
	EventScopeCreated            EventType = "scope.created"
	EventScopeTitleUpdated       EventType = "scope.title_updated"
	EventScopeDescriptionUpdated EventType = "scope.description_updated"
	EventScopeAliasAssigned      EventType = "scope.alias_assigned"
	EventScopeArchived           EventType = "scope.archived"
	EventScopeRestored           EventType = "scope.restored"
	EventScopeDeleted            EventType = "scope.deleted"
)

// allEventTypes stores every known event type in declaration order.
var allEventTypes = []EventType{
	EventScopeCreated,
	EventScopeTitleUpdated,
	EventScopeDescriptionUpdated,
	EventScopeAliasAssigned,
	EventScopeArchived,
	EventScopeRestored,
	EventScopeDeleted,
}

// AllEventTypes returns every event type the log can hold.
func AllEventTypes() []EventType {
	return append([]EventType(nil), allEventTypes...)
}

// Event is one immutable fact appended to an aggregate's log.
//
// Sequence is zero until the event log assigns it on append.
type Event struct {
	ID          string
	AggregateID string
	Sequence    int64
	Type        EventType
	Payload     Payload
	OccurredAt  time.Time
}

// Payload is the closed union of event bodies. Only types in this package implement it.
type Payload interface {
	EventType() EventType
	isPayload()
}

// ScopeCreated starts a scope's history.
type ScopeCreated struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ParentID    string `json:"parent_id,omitempty"`
}

// TitleUpdated replaces the scope title.
type TitleUpdated struct {
	Title string `json:"title"`
}

// DescriptionUpdated replaces the scope description.
type DescriptionUpdated struct {
	Description string `json:"description"`
}

// AliasAssigned attaches an alias name to the scope. The first alias a scope receives is canonical.
type AliasAssigned struct {
	Alias string `json:"alias"`
}

// ScopeArchived hides a scope from default listings.
type ScopeArchived struct{}

// ScopeRestored reverses ScopeArchived.
type ScopeRestored struct{}

// ScopeDeleted ends a scope's history.
type ScopeDeleted struct{}

func (ScopeCreated) EventType() EventType       { return EventScopeCreated }
func (TitleUpdated) EventType() EventType       { return EventScopeTitleUpdated }
func (DescriptionUpdated) EventType() EventType { return EventScopeDescriptionUpdated }
func (AliasAssigned) EventType() EventType      { return EventScopeAliasAssigned }
func (ScopeArchived) EventType() EventType      { return EventScopeArchived }
func (ScopeRestored) EventType() EventType      { return EventScopeRestored }
func (ScopeDeleted) EventType() EventType       { return EventScopeDeleted }

func (ScopeCreated) isPayload()       {}
func (TitleUpdated) isPayload()       {}
func (DescriptionUpdated) isPayload() {}
func (AliasAssigned) isPayload()      {}
func (ScopeArchived) isPayload()      {}
func (ScopeRestored) isPayload()      {}
func (ScopeDeleted) isPayload()       {}

// NewEvent builds an unsequenced event for one aggregate.
func NewEvent(id, aggregateID string, payload Payload, now time.Time) (Event, error) {
	id = strings.TrimSpace(id)
	aggregateID = strings.TrimSpace(aggregateID)
	if id == "" || aggregateID == "" {
		return Event{}, ErrInvalidID
	}
	if payload == nil {
		return Event{}, ErrInvalidEvent
	}
	return Event{
		ID:          id,
		AggregateID: aggregateID,
		Type:        payload.EventType(),
		Payload:     payload,
		OccurredAt:  now.UTC(),
	}, nil
}

// Validate checks envelope consistency before an event is appended or applied.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.AggregateID) == "" {
		return ErrInvalidID
	}
	if e.Payload == nil || e.Payload.EventType() != e.Type {
		return ErrInvalidEvent
	}
	if e.Sequence < 0 {
		return ErrEventOutOfSequence
	}
	return nil
}
