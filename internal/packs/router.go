// ABOUTME: Routes tool calls to the registered builtin handlers.
// ABOUTME: Applies per-call timeouts, recovers handler panics, and tracks in-flight requests.

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
)

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrDuplicateRequestID indicates the request ID is already in use.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// ErrHandlerPanic indicates the tool handler panicked.
var ErrHandlerPanic = errors.New("tool handler panicked")

// ErrRouterClosed indicates the router is shutting down.
var ErrRouterClosed = errors.New("router closed")

// DefaultTimeout is the default timeout for tool execution.
const DefaultTimeout = 30 * time.Second

// Router routes tool calls to the appropriate handler.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration

	// inflight tracks running calls so Close can cancel them
	mu       sync.Mutex
	closed   bool
	inflight map[string]context.CancelFunc
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Timeout  time.Duration
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		registry: cfg.Registry,
		logger:   logger.With("component", "router"),
		timeout:  timeout,
		inflight: make(map[string]context.CancelFunc),
	}
}

type callResult struct {
	output json.RawMessage
	err    error
}

// RouteToolCall runs the named tool's handler. The handler's own error is
// returned unchanged; a panic becomes ErrHandlerPanic and an overrun returns
// context.DeadlineExceeded.
func (r *Router) RouteToolCall(ctx context.Context, toolName string, input json.RawMessage, requestID string, caller *auth.Caller) (json.RawMessage, error) {
	builtin := r.registry.GetBuiltinTool(toolName)
	if builtin == nil {
		r.logger.Debug("tool not found in registry",
			"tool_name", toolName,
			"request_id", requestID,
		)
		return nil, ErrToolNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.track(requestID, cancel); err != nil {
		return nil, err
	}
	defer r.untrack(requestID)

	var userID int64
	if caller != nil {
		userID = caller.UserID
	}
	r.logger.Info("→ dispatching to builtin",
		"tool_name", toolName,
		"request_id", requestID,
		"user_id", userID,
	)
	start := time.Now()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool handler panicked",
					"tool_name", toolName,
					"request_id", requestID,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				done <- callResult{err: fmt.Errorf("%w: %v", ErrHandlerPanic, p)}
			}
		}()
		out, err := builtin.Handler(ctx, caller, input)
		done <- callResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Warn("builtin tool error",
				"tool_name", toolName,
				"request_id", requestID,
				"duration", time.Since(start),
				"error", res.err,
			)
			return nil, res.err
		}
		r.logger.Info("← builtin responded",
			"tool_name", toolName,
			"request_id", requestID,
			"duration", time.Since(start),
		)
		return res.output, nil
	case <-ctx.Done():
		r.logger.Warn("tool call timed out or cancelled",
			"tool_name", toolName,
			"request_id", requestID,
			"timeout", r.timeout,
			"error", ctx.Err(),
		)
		return nil, ctx.Err()
	}
}

// HasTool checks if a tool with the given name exists in the registry.
func (r *Router) HasTool(toolName string) bool {
	return r.registry.IsBuiltin(toolName)
}

// GetToolDefinition returns the tool definition for a given tool name.
// Returns nil if the tool is not found.
func (r *Router) GetToolDefinition(toolName string) *ToolDefinition {
	if builtin := r.registry.GetBuiltinTool(toolName); builtin != nil {
		return builtin.Definition
	}
	return nil
}

// Definitions returns every routable tool definition sorted by name.
func (r *Router) Definitions() []*ToolDefinition {
	return r.registry.Definitions()
}

func (r *Router) track(requestID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if _, exists := r.inflight[requestID]; exists {
		return ErrDuplicateRequestID
	}
	r.inflight[requestID] = cancel
	return nil
}

func (r *Router) untrack(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, requestID)
}

// PendingCount returns the number of in-flight tool calls (for testing/monitoring).
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Close cancels all in-flight calls and rejects new ones.
// This should be called during graceful shutdown to unblock any waiting callers.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := len(r.inflight)
	for requestID, cancel := range r.inflight {
		cancel()
		delete(r.inflight, requestID)
	}
	r.closed = true

	r.logger.Info("router closed", "pending_cancelled", cancelled)
}
