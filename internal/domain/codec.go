package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the payload schema written by this build.
const CurrentSchemaVersion = 1

// EventRecord is the storable form of an Event.
type EventRecord struct {
	EventID       string
	AggregateID   string
	Sequence      int64
	Type          EventType
	SchemaVersion int
	PayloadJSON   []byte
	OccurredAt    time.Time
}

// EncodeEvent serializes an event into its storable record.
func EncodeEvent(evt Event) (EventRecord, error) {
	if err := evt.Validate(); err != nil {
		return EventRecord{}, err
	}
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return EventRecord{}, fmt.Errorf("%w: encode %s: %v", ErrSerialization, evt.Type, err)
	}
	return EventRecord{
		EventID:       evt.ID,
		AggregateID:   evt.AggregateID,
		Sequence:      evt.Sequence,
		Type:          evt.Type,
		SchemaVersion: CurrentSchemaVersion,
		PayloadJSON:   raw,
		OccurredAt:    evt.OccurredAt.UTC(),
	}, nil
}

// DecodeEvent rebuilds an event from its storable record.
func DecodeEvent(rec EventRecord) (Event, error) {
	if rec.SchemaVersion != CurrentSchemaVersion {
		return Event{}, fmt.Errorf("%w: %s schema version %d unsupported", ErrSerialization, rec.Type, rec.SchemaVersion)
	}
	payload, err := decodePayload(rec.Type, rec.PayloadJSON)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          rec.EventID,
		AggregateID: rec.AggregateID,
		Sequence:    rec.Sequence,
		Type:        rec.Type,
		Payload:     payload,
		OccurredAt:  rec.OccurredAt.UTC(),
	}, nil
}

// decodePayload maps one event type onto its concrete payload.
func decodePayload(eventType EventType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch eventType {
	case EventScopeCreated:
		return unmarshalPayload[ScopeCreated](eventType, raw)
	case EventScopeTitleUpdated:
		return unmarshalPayload[TitleUpdated](eventType, raw)
	case EventScopeDescriptionUpdated:
		return unmarshalPayload[DescriptionUpdated](eventType, raw)
	case EventScopeAliasAssigned:
		return unmarshalPayload[AliasAssigned](eventType, raw)
	case EventScopeArchived:
		return unmarshalPayload[ScopeArchived](eventType, raw)
	case EventScopeRestored:
		return unmarshalPayload[ScopeRestored](eventType, raw)
	case EventScopeDeleted:
		return unmarshalPayload[ScopeDeleted](eventType, raw)
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrSerialization, ErrUnknownEventType, eventType)
	}
}

func unmarshalPayload[T Payload](eventType EventType, raw []byte) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrSerialization, eventType, err)
	}
	return payload, nil
}
