package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/scopeledger/internal/domain"
)

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// AliasGenerator derives the canonical alias for a new scope.
type AliasGenerator func(scopeID, title string) string

// DefaultAliasGenerator slugs the title and appends a short id suffix.
func DefaultAliasGenerator(scopeID, title string) string {
	base := domain.NormalizeAlias(title)
	if base == "" {
		base = "scope"
	}
	suffix := domain.NormalizeAlias(strings.ReplaceAll(scopeID, "-", ""))
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	Dispatch       DispatchPolicy
	AliasGenerator AliasGenerator
	Logger         Logger
}

// Service runs scope commands against the aggregate repository and queries against the read model.
type Service struct {
	repo      *AggregateRepository
	readModel ReadModel
	idGen     IDGenerator
	clock     Clock
	aliasGen  AliasGenerator
	dispatch  DispatchPolicy
	logger    Logger
}

// NewService constructs a new value for this package.
func NewService(repo *AggregateRepository, readModel ReadModel, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.AliasGenerator == nil {
		cfg.AliasGenerator = DefaultAliasGenerator
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = DeferredDispatch{}
	}
	return &Service{
		repo:      repo,
		readModel: readModel,
		idGen:     idGen,
		clock:     clock,
		aliasGen:  cfg.AliasGenerator,
		dispatch:  cfg.Dispatch,
		logger:    loggerOrNop(cfg.Logger),
	}
}

// CommandResult describes the outcome of one command.
type CommandResult struct {
	ScopeID  string
	Version  int64
	Events   []domain.Event
	EntryIDs []string
}

// Changed reports whether the command appended any events.
func (r CommandResult) Changed() bool {
	return len(r.Events) > 0
}

// CreateScopeInput holds input values for create scope operations.
type CreateScopeInput struct {
	Title       string
	Description string
	ParentID    string
}

// CreateScope starts a new scope aggregate with its canonical alias.
func (s *Service) CreateScope(ctx context.Context, in CreateScopeInput) (CommandResult, error) {
	parentID := strings.TrimSpace(in.ParentID)
	if parentID != "" {
		parent, _, err := s.repo.Load(ctx, parentID)
		switch {
		case errors.Is(err, ErrNotFound):
			return CommandResult{}, fmt.Errorf("%w: parent %s not found", domain.ErrInvalidParent, parentID)
		case err != nil:
			return CommandResult{}, err
		case parent.Deleted:
			return CommandResult{}, fmt.Errorf("%w: parent %s is deleted", domain.ErrInvalidParent, parentID)
		}
	}

	scopeID := strings.TrimSpace(s.idGen())
	if scopeID == "" {
		return CommandResult{}, domain.ErrInvalidID
	}
	alias := domain.NormalizeAlias(s.aliasGen(scopeID, in.Title))
	if err := s.ensureAliasAvailable(ctx, scopeID, alias); err != nil {
		return CommandResult{}, err
	}

	payloads, err := domain.DecideCreate(domain.CreateScopeInput{
		Title:       in.Title,
		Description: in.Description,
		ParentID:    parentID,
		Alias:       alias,
	})
	if err != nil {
		return CommandResult{}, err
	}
	return s.commit(ctx, "create", scopeID, 0, payloads)
}

// UpdateScopeInput holds input values for update scope operations. Nil fields are left unchanged.
type UpdateScopeInput struct {
	ScopeID     string
	Title       *string
	Description *string
}

// UpdateScope emits one event per changed field. No change means no commit.
func (s *Service) UpdateScope(ctx context.Context, in UpdateScopeInput) (CommandResult, error) {
	state, version, err := s.loadLive(ctx, in.ScopeID)
	if err != nil {
		return CommandResult{}, err
	}
	payloads, err := state.DecideUpdate(in.Title, in.Description)
	if err != nil {
		return CommandResult{}, err
	}
	return s.commit(ctx, "update", state.ID, version, payloads)
}

// DeleteScope ends a scope's history. Deleting an already deleted scope returns ErrNotFound.
func (s *Service) DeleteScope(ctx context.Context, scopeID string) (CommandResult, error) {
	state, version, err := s.loadLive(ctx, scopeID)
	if err != nil {
		return CommandResult{}, err
	}
	payloads, err := state.DecideDelete()
	if err != nil {
		return CommandResult{}, err
	}
	return s.commit(ctx, "delete", state.ID, version, payloads)
}

// ArchiveScope hides a scope from default listings.
func (s *Service) ArchiveScope(ctx context.Context, scopeID string) (CommandResult, error) {
	state, version, err := s.loadLive(ctx, scopeID)
	if err != nil {
		return CommandResult{}, err
	}
	payloads, err := state.DecideArchive()
	if err != nil {
		return CommandResult{}, err
	}
	return s.commit(ctx, "archive", state.ID, version, payloads)
}

// RestoreScope reverses ArchiveScope.
func (s *Service) RestoreScope(ctx context.Context, scopeID string) (CommandResult, error) {
	state, version, err := s.loadLive(ctx, scopeID)
	if err != nil {
		return CommandResult{}, err
	}
	payloads, err := state.DecideRestore()
	if err != nil {
		return CommandResult{}, err
	}
	return s.commit(ctx, "restore", state.ID, version, payloads)
}

// AssignAlias attaches an extra, non-canonical alias to a scope.
func (s *Service) AssignAlias(ctx context.Context, scopeID, alias string) (CommandResult, error) {
	state, version, err := s.loadLive(ctx, scopeID)
	if err != nil {
		return CommandResult{}, err
	}
	alias = domain.NormalizeAlias(alias)
	if alias == "" {
		return CommandResult{}, domain.ErrInvalidAlias
	}
	if !state.HasAlias(alias) {
		if err := s.ensureAliasAvailable(ctx, state.ID, alias); err != nil {
			return CommandResult{}, err
		}
	}
	payloads, err := state.DecideAssignAlias(alias)
	if err != nil {
		return CommandResult{}, err
	}
	return s.commit(ctx, "assign_alias", state.ID, version, payloads)
}

// GetScope returns the projected row for a scope.
func (s *Service) GetScope(ctx context.Context, scopeID string) (domain.ScopeRow, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return domain.ScopeRow{}, domain.ErrInvalidID
	}
	return s.readModel.GetScope(ctx, scopeID)
}

// ListChildScopes returns projected rows whose parent is parentID.
func (s *Service) ListChildScopes(ctx context.Context, parentID string) ([]domain.ScopeRow, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return nil, domain.ErrInvalidID
	}
	return s.readModel.ListChildScopes(ctx, parentID)
}

// ListAliases returns projected aliases for a scope, canonical first.
func (s *Service) ListAliases(ctx context.Context, scopeID string) ([]domain.AliasRow, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return nil, domain.ErrInvalidID
	}
	return s.readModel.ListAliases(ctx, scopeID)
}

// ScopeHistory returns the full event history of a scope, including deleted ones.
func (s *Service) ScopeHistory(ctx context.Context, scopeID string) ([]domain.Event, error) {
	return s.repo.GetEvents(ctx, scopeID)
}

// loadLive loads a scope and treats deleted scopes as missing.
func (s *Service) loadLive(ctx context.Context, scopeID string) (domain.State, int64, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return domain.State{}, 0, domain.ErrInvalidID
	}
	state, version, err := s.repo.Load(ctx, scopeID)
	if err != nil {
		return domain.State{}, 0, err
	}
	if state.Deleted {
		return domain.State{}, 0, fmt.Errorf("%w: scope %s is deleted", ErrNotFound, scopeID)
	}
	return state, version, nil
}

// ensureAliasAvailable rejects an alias projected for another scope.
// Aliases committed but not yet projected are not visible here, so under deferred dispatch a clash
// fails in the projector. The failed entry holds back that scope's later events until it is requeued.
func (s *Service) ensureAliasAvailable(ctx context.Context, scopeID, alias string) error {
	if alias == "" {
		return domain.ErrInvalidAlias
	}
	if s.readModel == nil {
		return nil
	}
	owner, err := s.readModel.AliasOwner(ctx, alias)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	case owner != scopeID:
		return fmt.Errorf("%w: %q", domain.ErrAliasTaken, alias)
	}
	return nil
}

// commit stamps payloads into events, commits them at expectedVersion, and runs the dispatch policy.
func (s *Service) commit(ctx context.Context, command, scopeID string, expectedVersion int64, payloads []domain.Payload) (CommandResult, error) {
	if len(payloads) == 0 {
		return CommandResult{ScopeID: scopeID, Version: expectedVersion}, nil
	}
	now := s.clock()
	events := make([]domain.Event, 0, len(payloads))
	for _, payload := range payloads {
		evt, err := domain.NewEvent(s.idGen(), scopeID, payload, now)
		if err != nil {
			return CommandResult{}, err
		}
		events = append(events, evt)
	}

	version, entryIDs, err := s.repo.Commit(ctx, scopeID, expectedVersion, events)
	if err != nil {
		if IsRetryable(err) {
			s.logger.Warn("scope command conflicted", append([]any{"command", command, "scope_id", scopeID, "err", err}, actorLogFields(ctx)...)...)
		}
		return CommandResult{}, err
	}
	for i := range events {
		events[i].Sequence = expectedVersion + int64(i) + 1
	}
	s.logger.Debug("scope command committed", append([]any{"command", command, "scope_id", scopeID, "version", version, "events", len(events)}, actorLogFields(ctx)...)...)

	s.dispatch.AfterCommit(ctx, events)
	return CommandResult{ScopeID: scopeID, Version: version, Events: events, EntryIDs: entryIDs}, nil
}
