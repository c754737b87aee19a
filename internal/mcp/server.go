// ABOUTME: MCP-compatible HTTP server exposing the BuzzPoster tools to agent clients.
// ABOUTME: Implements Streamable HTTP transport (spec 2025-11-25) with per-call API key resolution.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/dispatch"
	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies. Media
// uploads travel base64-encoded inside tools/call, so this is larger than a
// plain JSON-RPC server would need.
const MaxRequestBodySize = 150 << 20

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Gateway error codes, in the implementation-defined server error range.
const (
	CodeAuthentication    = -32001
	CodeFeatureNotAllowed = -32003
	CodeRateLimited       = -32029
)

// MCP-specific types

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// DenialData is attached to feature and rate-limit errors.
type DenialData struct {
	Status  int    `json:"status"`
	Tier    string `json:"tier"`
	Feature string `json:"feature,omitempty"`
	Used    int    `json:"used"`
	Limit   int    `json:"limit"`
	Upgrade string `json:"upgrade_url,omitempty"`
}

// mcpSession tracks an active MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	ownerHash       string // hash of the API key that initialized the session
	userID          int64
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, ownerHash string, userID int64) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		ownerHash:       ownerHash,
		userID:          userID,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Resolver   auth.Resolver
	Logger     *slog.Logger
	// BillingURL is reported in denial data so clients can point users at an upgrade.
	BillingURL string
	Version    string
}

// Server implements MCP-compatible HTTP endpoints for agent clients.
// Conforms to MCP Streamable HTTP transport specification (2025-11-25).
type Server struct {
	dispatcher *dispatch.Dispatcher
	resolver   auth.Resolver
	logger     *slog.Logger
	billingURL string
	version    string
	sessions   *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		dispatcher: cfg.Dispatcher,
		resolver:   cfg.Resolver,
		logger:     logger.With("component", "mcp"),
		billingURL: cfg.BillingURL,
		version:    version,
		sessions:   newSessionStore(),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
// Supports both /mcp (bare) and /mcp/<api_key> (key-in-path) access patterns.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE per the
// Streamable HTTP transport spec (2025-11-25).
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// credential returns the API key from the path, Authorization, X-API-Key, or
// api_key query parameter, in that order.
func (s *Server) credential(r *http.Request) (string, error) {
	if pathKey := strings.TrimPrefix(r.URL.Path, "/mcp/"); pathKey != "" && pathKey != r.URL.Path {
		pathKey = strings.TrimRight(pathKey, "/")
		if strings.Contains(pathKey, "/") {
			return "", auth.ErrInvalidCredential
		}
		return pathKey, nil
	}
	return auth.CredentialFromRequest(r), nil
}

// handleDelete terminates a session per the Streamable HTTP spec.
// Verifies the caller owns the session to prevent unauthorized termination.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	cred, _ := s.credential(r)
	if cred == "" || auth.HashAPIKey(cred) != sess.ownerHash {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID, "user_id", sess.userID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	// Validate protocol version header (not required on initialize)
	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !isInitialize {
		// Non-initialize requests require a valid session
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := s.sessions.get(sessionID); !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	// Handle notifications: accept and return HTTP 202 with no body
	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

// handleInitialize authenticates the client and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	cred, err := s.credential(r)
	var caller *auth.Caller
	if err == nil {
		caller, err = s.resolver.Resolve(r.Context(), cred)
	}
	if err != nil {
		s.sendAuthError(w, req.ID, err)
		return
	}

	sess := s.sessions.create(latestProtocolVersion, auth.HashAPIKey(cred), caller.UserID)

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"user_id", caller.UserID,
		"tier", caller.Tier,
		"protocol_version", sess.protocolVersion,
	)

	w.Header().Set("Mcp-Session-Id", sess.id)

	result := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "buzzposter",
			"version": s.version,
		},
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsList handles tools/list requests. Every tool is listed regardless
// of tier; gated tools are rejected at call time with an upgrade message.
func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest) {
	defs := s.dispatcher.Definitions()

	result := MCPListToolsResult{
		Tools: make([]MCPToolInfo, len(defs)),
	}
	for i, def := range defs {
		schema := def.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools[i] = MCPToolInfo{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		}
	}

	s.logger.Debug("tools/list", "count", len(defs))
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsCall handles tools/call requests. The credential is resolved
// again on every call so tier changes apply immediately.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}

	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	cred, err := s.credential(r)
	if err != nil {
		s.sendAuthError(w, req.ID, err)
		return
	}

	res, err := s.dispatcher.Invoke(r.Context(), cred, params.Name, params.Arguments)
	if err != nil && res == nil {
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}
	if _, denied := gate.AsDenied(err); denied {
		// a tier check the handler made on its arguments
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}

	var result MCPCallToolResult
	if err != nil {
		// the handler ran and failed: report it to the model, not the transport
		result = MCPCallToolResult{
			Content: []MCPContent{{Type: "text", Text: toolErrorText(err)}},
			IsError: true,
		}
	} else {
		result = MCPCallToolResult{
			Content: []MCPContent{{Type: "text", Text: string(res.Output)}},
		}
	}

	s.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"request_id", res.RequestID,
		"is_error", result.IsError,
	)

	s.sendJSONRPCResult(w, req.ID, result)
}

func toolErrorText(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Error: tool execution timed out"
	case errors.Is(err, packs.ErrHandlerPanic):
		return "Error: internal tool failure"
	default:
		return "Error: " + err.Error()
	}
}

// sendAuthError answers with HTTP 401 and the authentication error code.
func (s *Server) sendAuthError(w http.ResponseWriter, id json.RawMessage, err error) {
	msg := "invalid api key"
	if errors.Is(err, auth.ErrMissingCredential) {
		msg = "missing api key"
	}
	s.logger.Debug("MCP authentication failed", "error", err)
	s.writeJSONRPC(w, http.StatusUnauthorized, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: CodeAuthentication, Message: msg},
	})
}

// handleToolError maps errors returned before a handler ran.
func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	if errors.Is(err, gate.ErrAuthentication) {
		s.sendAuthError(w, id, err)
		return
	}

	if de, ok := gate.AsDenied(err); ok {
		d := de.Decision
		data := DenialData{
			Tier:    string(d.Tier),
			Feature: string(d.Feature),
			Used:    d.Used,
			Limit:   d.Limit,
			Upgrade: s.billingURL,
		}
		code := CodeRateLimited
		data.Status = http.StatusTooManyRequests
		if errors.Is(err, gate.ErrFeatureNotAllowed) {
			code = CodeFeatureNotAllowed
			data.Status = http.StatusForbidden
		}
		s.logger.Info("tool call denied",
			"tool_name", toolName,
			"tier", d.Tier,
			"used", d.Used,
			"limit", d.Limit,
			"reason", err,
		)
		// the HTTP status mirrors data.status so plain HTTP clients see the denial too
		s.writeJSONRPC(w, data.Status, JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &JSONRPCError{Code: code, Message: de.Error(), Data: data},
		})
		return
	}

	code := JSONRPCInternalError
	message := "tool execution failed"

	switch {
	case errors.Is(err, packs.ErrToolNotFound):
		code = JSONRPCInvalidParams
		message = "tool not found"
	case errors.Is(err, packs.ErrDuplicateRequestID):
		message = "duplicate request ID"
	case errors.Is(err, packs.ErrRouterClosed):
		message = "server shutting down"
	case errors.Is(err, gate.ErrUnknownTier):
		message = "account misconfigured"
	}

	s.logger.Warn("tool call failed",
		"tool_name", toolName,
		"error", err,
	)
	s.sendJSONRPCError(w, id, code, message, nil)
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.writeJSONRPC(w, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	s.writeJSONRPC(w, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) writeJSONRPC(w http.ResponseWriter, status int, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
