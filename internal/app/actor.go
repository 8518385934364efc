package app

import (
	"context"
	"strings"
)

// ActorType identifies who issued a command.
type ActorType string

// ActorTypeUser and related constants define known actor kinds.
const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAgent  ActorType = "agent"
	ActorTypeSystem ActorType = "system"
)

// CommandActor carries normalized caller identity for command attribution in logs.
type CommandActor struct {
	ID   string
	Type ActorType
}

// WithCommandActor attaches a normalized actor to context.
func WithCommandActor(ctx context.Context, actor CommandActor) context.Context {
	return context.WithValue(ctx, commandActorContextKey{}, normalizeCommandActor(actor))
}

// CommandActorFromContext returns the actor when one with a non-empty id is present.
func CommandActorFromContext(ctx context.Context) (CommandActor, bool) {
	actor, ok := ctx.Value(commandActorContextKey{}).(CommandActor)
	if !ok {
		return CommandActor{}, false
	}
	actor = normalizeCommandActor(actor)
	if actor.ID == "" {
		return CommandActor{}, false
	}
	return actor, true
}

// commandActorContextKey stores context keys for command actor metadata.
type commandActorContextKey struct{}

// normalizeCommandActor trims fields and defaults unknown types to user.
func normalizeCommandActor(actor CommandActor) CommandActor {
	actor.ID = strings.TrimSpace(actor.ID)
	actor.Type = ActorType(strings.ToLower(strings.TrimSpace(string(actor.Type))))
	switch actor.Type {
	case ActorTypeUser, ActorTypeAgent, ActorTypeSystem:
	default:
		actor.Type = ActorTypeUser
	}
	return actor
}

// actorLogFields returns key/value pairs describing the actor in ctx.
func actorLogFields(ctx context.Context) []any {
	actor, ok := CommandActorFromContext(ctx)
	if !ok {
		return nil
	}
	return []any{"actor", actor.ID, "actor_type", string(actor.Type)}
}
