package domain

import "errors"

var (
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidTitle       = errors.New("invalid title")
	ErrInvalidAlias       = errors.New("invalid alias")
	ErrInvalidParent      = errors.New("invalid parent")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrAliasTaken         = errors.New("alias already taken")
	ErrScopeDeleted       = errors.New("scope deleted")
	ErrScopeExists        = errors.New("scope already exists")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrSerialization      = errors.New("event serialization failed")
	ErrEventOutOfSequence = errors.New("event out of sequence")
)
