// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/scopeledger/internal/adapters/server/common"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	scopes common.ScopeService
	outbox common.OutboxService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter from scope and optional outbox services.
func NewHandler(scopes common.ScopeService, outbox common.OutboxService) *Handler {
	return &Handler{
		scopes: scopes,
		outbox: outbox,
	}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := normalizePath(r.URL.Path)
	switch {
	case path == "scopes":
		switch r.Method {
		case http.MethodGet:
			h.handleListChildScopes(w, r, r.URL.Query().Get("parent_id"))
		case http.MethodPost:
			h.handleCreateScope(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case strings.HasPrefix(path, "scopes/"):
		h.routeScope(w, r, strings.TrimPrefix(path, "scopes/"))
	case strings.HasPrefix(path, "outbox/"):
		h.routeOutbox(w, r, strings.TrimPrefix(path, "outbox/"))
	default:
		writeNotFound(w)
	}
}

// routeScope dispatches `/scopes/{id}` and its sub-resources.
func (h *Handler) routeScope(w http.ResponseWriter, r *http.Request, rest string) {
	if h.scopes == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "scope service is not configured",
		})
		return
	}
	scopeID, sub, _ := strings.Cut(rest, "/")
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" || strings.Contains(sub, "/") {
		writeNotFound(w)
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			scope, err := h.scopes.GetScope(r.Context(), scopeID)
			if err != nil {
				writeErrorFrom(w, err)
				return
			}
			writeJSON(w, http.StatusOK, scope)
		case http.MethodPatch:
			h.handleUpdateScope(w, r, scopeID)
		case http.MethodDelete:
			h.handleScopeCommand(w, r, scopeID, h.scopes.DeleteScope)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case "events":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		events, err := h.scopes.ScopeHistory(r.Context(), scopeID)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	case "aliases":
		switch r.Method {
		case http.MethodGet:
			aliases, err := h.scopes.ListAliases(r.Context(), scopeID)
			if err != nil {
				writeErrorFrom(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"aliases": aliases})
		case http.MethodPost:
			h.handleAssignAlias(w, r, scopeID)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case "children":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleListChildScopes(w, r, scopeID)
	case "archive", "restore":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		run := h.scopes.ArchiveScope
		if sub == "restore" {
			run = h.scopes.RestoreScope
		}
		h.handleScopeCommand(w, r, scopeID, run)
	default:
		writeNotFound(w)
	}
}

// routeOutbox dispatches `/outbox/...` operator endpoints.
func (h *Handler) routeOutbox(w http.ResponseWriter, r *http.Request, rest string) {
	if h.outbox == nil {
		writeJSONError(w, http.StatusNotImplemented, APIError{
			Code:    "not_implemented",
			Message: "outbox APIs are not available",
		})
		return
	}
	switch {
	case rest == "pending":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		entries, err := h.outbox.PendingOutbox(r.Context(), limit)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	case rest == "summary":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		summary, err := h.outbox.OutboxSummary(r.Context())
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case rest == "drain":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		batchSize, err := queryInt(r, "batch_size")
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		result, err := h.outbox.DrainOutbox(r.Context(), batchSize)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		entryID, ok := resolveRequeueEntryID(rest)
		if !ok {
			writeNotFound(w)
			return
		}
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		if err := h.outbox.RequeueOutboxEntry(r.Context(), entryID); err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": entryID, "status": "pending"})
	}
}

// handleCreateScope serves POST `/scopes`.
func (h *Handler) handleCreateScope(w http.ResponseWriter, r *http.Request) {
	if h.scopes == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "scope service is not configured",
		})
		return
	}
	var req common.CreateScopeRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.scopes.CreateScope(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleListChildScopes serves GET `/scopes?parent_id=` and `/scopes/{id}/children`.
func (h *Handler) handleListChildScopes(w http.ResponseWriter, r *http.Request, parentID string) {
	if h.scopes == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "scope service is not configured",
		})
		return
	}
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: "parent_id is required",
		})
		return
	}
	scopes, err := h.scopes.ListChildScopes(r.Context(), parentID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

// handleUpdateScope serves PATCH `/scopes/{id}`.
func (h *Handler) handleUpdateScope(w http.ResponseWriter, r *http.Request, scopeID string) {
	var req common.UpdateScopeRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ScopeID = scopeID
	result, err := h.scopes.UpdateScope(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAssignAlias serves POST `/scopes/{id}/aliases`.
func (h *Handler) handleAssignAlias(w http.ResponseWriter, r *http.Request, scopeID string) {
	var req common.AssignAliasRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ScopeID = scopeID
	result, err := h.scopes.AssignAlias(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleScopeCommand serves single-id commands whose body only carries an optional actor.
func (h *Handler) handleScopeCommand(
	w http.ResponseWriter,
	r *http.Request,
	scopeID string,
	run func(context.Context, common.ScopeCommandRequest) (common.CommandResult, error),
) {
	var req common.ScopeCommandRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ScopeID = scopeID
	result, err := run(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolveRequeueEntryID parses `entries/{id}/requeue` and returns `{id}`.
func resolveRequeueEntryID(path string) (string, bool) {
	const (
		prefix = "entries/"
		suffix = "/requeue"
	)
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix))
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// queryInt parses one optional non-negative integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, common.ErrInvalidRequest)
	}
	return n, nil
}

// normalizePath trims surrounding space and slashes for route matching.
func normalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

// errorStatuses maps adapter sentinels onto HTTP status and error code, checked in order.
var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{common.ErrConflict, http.StatusConflict, "conflict"},
	{common.ErrNotFound, http.StatusNotFound, "not_found"},
	{common.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{common.ErrOutboxUnavailable, http.StatusNotImplemented, "not_implemented"},
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSONError(w, http.StatusInternalServerError, APIError{Code: "internal_error", Message: "unknown error"})
		return
	}
	for _, m := range errorStatuses {
		if !errors.Is(err, m.target) {
			continue
		}
		apiErr := APIError{Code: m.code, Message: err.Error()}
		if m.target == common.ErrConflict {
			apiErr.Hint = "Reload the scope and retry the command."
			apiErr.Context = map[string]any{"retryable": true}
		}
		writeJSONError(w, m.status, apiErr)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, APIError{Code: "internal_error", Message: err.Error()})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSONError(w, http.StatusNotFound, APIError{Code: "not_found", Message: "endpoint not found"})
}

// writeMethodNotAllowed writes a 405 with the allowed methods in the Allow header.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{Code: "method_not_allowed", Message: "method not allowed"})
}

func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		statusCode = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorEnvelope{Error: APIError{Code: "encode_error", Message: err.Error()}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// decodeJSONBody decodes one required JSON object. Unknown fields and trailing content are rejected.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	return decodeBody(ctx, w, r, out, false)
}

// decodeOptionalJSONBody is decodeJSONBody that accepts an empty body.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	return decodeBody(ctx, w, r, out, true)
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any, optional bool) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("request canceled: %w", err)
	}
	return nil
}
