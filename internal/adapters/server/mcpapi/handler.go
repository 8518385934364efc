// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hylla/scopeledger/internal/adapters/server/common"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter with scope tools and optional outbox tools.
func NewHandler(cfg Config, scopes common.ScopeService, outbox common.OutboxService) (*Handler, error) {
	if scopes == nil {
		return nil, fmt.Errorf("scope service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerScopeTools(mcpSrv, scopes)
	if outbox != nil {
		registerOutboxTools(mcpSrv, outbox)
	}

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig fills empty fields and returns the endpoint as "/a/b".
func normalizeConfig(cfg Config) Config {
	orDefault := func(v, fallback string) string {
		if v = strings.TrimSpace(v); v == "" {
			return fallback
		}
		return v
	}
	cfg.ServerName = orDefault(cfg.ServerName, "scopes")
	cfg.ServerVersion = orDefault(cfg.ServerVersion, "dev")
	cfg.EndpointPath = "/" + strings.Trim(orDefault(cfg.EndpointPath, "/mcp"), "/")
	return cfg
}

// actorOptions returns the shared attribution arguments for mutating tools.
func actorOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("actor_id", mcp.Description("Caller identity recorded in logs")),
		mcp.WithString("actor_type", mcp.Description("user|agent|system"), mcp.Enum("user", "agent", "system")),
	}
}

// newTool builds one tool definition with extra options appended.
func newTool(name string, opts []mcp.ToolOption, extra ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, append(opts, extra...)...)
}

// registerScopeTools registers scope command and query tools.
func registerScopeTools(srv *mcpserver.MCPServer, scopes common.ScopeService) {
	srv.AddTool(
		newTool("scopes.create", []mcp.ToolOption{
			mcp.WithDescription("Create one scope. The canonical alias is generated from the title."),
			mcp.WithString("title", mcp.Required(), mcp.Description("Scope title")),
			mcp.WithString("description", mcp.Description("Scope description")),
			mcp.WithString("parent_id", mcp.Description("Parent scope id")),
		}, actorOptions()...),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				ParentID    string `json:"parent_id"`
				ActorID     string `json:"actor_id"`
				ActorType   string `json:"actor_type"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.Title) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "title" not found`), nil
			}
			result, err := scopes.CreateScope(ctx, common.CreateScopeRequest{
				Title:       args.Title,
				Description: args.Description,
				ParentID:    args.ParentID,
				Actor:       common.ActorTuple{ActorID: args.ActorID, ActorType: args.ActorType},
			})
			return jsonToolResult("create", result, err)
		},
	)

	srv.AddTool(
		newTool("scopes.update", []mcp.ToolOption{
			mcp.WithDescription("Update a scope's title or description. Omitted fields are unchanged."),
			mcp.WithString("scope_id", mcp.Required(), mcp.Description("Scope identifier")),
			mcp.WithString("title", mcp.Description("New title")),
			mcp.WithString("description", mcp.Description("New description")),
		}, actorOptions()...),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				ScopeID     string  `json:"scope_id"`
				Title       *string `json:"title"`
				Description *string `json:"description"`
				ActorID     string  `json:"actor_id"`
				ActorType   string  `json:"actor_type"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.ScopeID) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "scope_id" not found`), nil
			}
			result, err := scopes.UpdateScope(ctx, common.UpdateScopeRequest{
				ScopeID:     args.ScopeID,
				Title:       args.Title,
				Description: args.Description,
				Actor:       common.ActorTuple{ActorID: args.ActorID, ActorType: args.ActorType},
			})
			return jsonToolResult("update", result, err)
		},
	)

	registerScopeCommandTool(srv, "scopes.delete", "Delete one scope. Its history is kept.", scopes.DeleteScope)
	registerScopeCommandTool(srv, "scopes.archive", "Archive one scope.", scopes.ArchiveScope)
	registerScopeCommandTool(srv, "scopes.restore", "Restore one archived scope.", scopes.RestoreScope)

	srv.AddTool(
		newTool("scopes.assign_alias", []mcp.ToolOption{
			mcp.WithDescription("Attach an extra alias to a scope."),
			mcp.WithString("scope_id", mcp.Required(), mcp.Description("Scope identifier")),
			mcp.WithString("alias", mcp.Required(), mcp.Description("Alias to attach")),
		}, actorOptions()...),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			scopeID, err := req.RequireString("scope_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			alias, err := req.RequireString("alias")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			result, err := scopes.AssignAlias(ctx, common.AssignAliasRequest{
				ScopeID: scopeID,
				Alias:   alias,
				Actor:   actorFromRequest(req),
			})
			return jsonToolResult("assign_alias", result, err)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"scopes.get",
			mcp.WithDescription("Return one projected scope with its aliases."),
			mcp.WithString("scope_id", mcp.Required(), mcp.Description("Scope identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			scopeID, err := req.RequireString("scope_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			scope, err := scopes.GetScope(ctx, scopeID)
			return jsonToolResult("get", scope, err)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"scopes.children",
			mcp.WithDescription("List the projected children of one scope."),
			mcp.WithString("parent_id", mcp.Required(), mcp.Description("Parent scope identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			parentID, err := req.RequireString("parent_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			children, err := scopes.ListChildScopes(ctx, parentID)
			return jsonToolResult("children", map[string]any{"scopes": children}, err)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"scopes.history",
			mcp.WithDescription("Return the full event history of one scope, oldest first."),
			mcp.WithString("scope_id", mcp.Required(), mcp.Description("Scope identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			scopeID, err := req.RequireString("scope_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			events, err := scopes.ScopeHistory(ctx, scopeID)
			return jsonToolResult("history", map[string]any{"events": events}, err)
		},
	)
}

// registerScopeCommandTool registers one single-id scope command tool.
func registerScopeCommandTool(
	srv *mcpserver.MCPServer,
	name string,
	description string,
	run func(context.Context, common.ScopeCommandRequest) (common.CommandResult, error),
) {
	srv.AddTool(
		newTool(name, []mcp.ToolOption{
			mcp.WithDescription(description),
			mcp.WithString("scope_id", mcp.Required(), mcp.Description("Scope identifier")),
		}, actorOptions()...),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			scopeID, err := req.RequireString("scope_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			result, err := run(ctx, common.ScopeCommandRequest{
				ScopeID: scopeID,
				Actor:   actorFromRequest(req),
			})
			return jsonToolResult(strings.TrimPrefix(name, "scopes."), result, err)
		},
	)
}

// registerOutboxTools registers optional outbox operator tools.
func registerOutboxTools(srv *mcpserver.MCPServer, outbox common.OutboxService) {
	srv.AddTool(
		mcp.NewTool(
			"scopes.outbox_pending",
			mcp.WithDescription("List pending outbox entries in enqueue order."),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			entries, err := outbox.PendingOutbox(ctx, req.GetInt("limit", 0))
			return jsonToolResult("outbox_pending", map[string]any{"entries": entries}, err)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"scopes.outbox_summary",
			mcp.WithDescription("Count outbox entries by status."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			summary, err := outbox.OutboxSummary(ctx)
			return jsonToolResult("outbox_summary", summary, err)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"scopes.drain",
			mcp.WithDescription("Project pending outbox entries until the outbox is empty."),
			mcp.WithNumber("batch_size", mcp.Description("Entries fetched per pass")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			result, err := outbox.DrainOutbox(ctx, req.GetInt("batch_size", 0))
			return jsonToolResult("drain", result, err)
		},
	)
}

// actorFromRequest reads the optional attribution arguments.
func actorFromRequest(req mcp.CallToolRequest) common.ActorTuple {
	return common.ActorTuple{
		ActorID:   req.GetString("actor_id", ""),
		ActorType: req.GetString("actor_type", ""),
	}
}

// jsonToolResult encodes one successful value or maps err into a tool error.
func jsonToolResult(operation string, value any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return toolResultFromError(err), nil
	}
	result, err := mcp.NewToolResultJSON(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", operation, err)
	}
	return result, nil
}

// invalidRequestToolResult reports malformed tool arguments.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError("invalid_request: " + err.Error())
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.Is(err, common.ErrConflict):
		return mcp.NewToolResultError("conflict: " + err.Error())
	case errors.Is(err, common.ErrInvalidRequest):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	case errors.Is(err, common.ErrNotFound):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.Is(err, common.ErrOutboxUnavailable):
		return mcp.NewToolResultError("not_implemented: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}
