// ABOUTME: Tool dispatcher tying caller resolution, the access gate, the router and the usage ledger together
// ABOUTME: Invoke is the single entry point every MCP tools/call goes through

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/gate"
	"github.com/buzzposter/buzzposter-gateway/internal/packs"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// Authorizer is the access gate as seen by the dispatcher.
type Authorizer interface {
	Authorize(ctx context.Context, caller *auth.Caller, toolName string, features ...tier.Feature) (gate.Decision, error)
}

// UsageAppender appends one usage record per executed call.
type UsageAppender interface {
	AppendUsage(ctx context.Context, userID int64, toolName string, at time.Time) error
}

// Config holds the collaborators of a Dispatcher.
type Config struct {
	Resolver auth.Resolver
	Gate     Authorizer
	Router   *packs.Router
	Ledger   UsageAppender
	Logger   *slog.Logger
	Now      func() time.Time
}

// Dispatcher executes tool invocations.
type Dispatcher struct {
	resolver auth.Resolver
	gate     Authorizer
	router   *packs.Router
	ledger   UsageAppender
	logger   *slog.Logger
	now      func() time.Time
}

// Result is a completed invocation.
type Result struct {
	RequestID string
	Caller    *auth.Caller
	Decision  gate.Decision
	Output    json.RawMessage
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Resolver == nil:
		return nil, errors.New("dispatch: resolver is required")
	case cfg.Gate == nil:
		return nil, errors.New("dispatch: gate is required")
	case cfg.Router == nil:
		return nil, errors.New("dispatch: router is required")
	case cfg.Ledger == nil:
		return nil, errors.New("dispatch: ledger is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Dispatcher{
		resolver: cfg.Resolver,
		gate:     cfg.Gate,
		router:   cfg.Router,
		ledger:   cfg.Ledger,
		logger:   logger.With("component", "dispatch"),
		now:      now,
	}, nil
}

// Invoke resolves credential, authorizes the call, runs the tool and records
// usage.
//
// Errors:
//   - gate.ErrAuthentication when the credential does not resolve
//   - packs.ErrToolNotFound for an unregistered tool
//   - a *gate.DeniedError when the gate denies the call
//   - the handler's own error, unchanged, when the handler fails
//
// A non-nil Result is returned alongside a handler error so callers can still
// report the decision.
func (d *Dispatcher) Invoke(ctx context.Context, credential, toolName string, args json.RawMessage) (*Result, error) {
	caller, err := d.resolver.Resolve(ctx, credential)
	if err != nil {
		if !errors.Is(err, auth.ErrMissingCredential) && !errors.Is(err, auth.ErrInvalidCredential) {
			d.logger.Error("resolving credential failed", "error", err)
		}
		return nil, fmt.Errorf("%w: %w", gate.ErrAuthentication, err)
	}
	if caller == nil {
		return nil, gate.ErrAuthentication
	}

	return d.InvokeAs(ctx, caller, toolName, args)
}

// InvokeAs runs the gated call path for an already resolved caller.
func (d *Dispatcher) InvokeAs(ctx context.Context, caller *auth.Caller, toolName string, args json.RawMessage) (*Result, error) {
	def := d.router.GetToolDefinition(toolName)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", packs.ErrToolNotFound, toolName)
	}

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	// argument-dependent features are gated here too, so a denial never reaches the ledger
	decision, err := d.gate.Authorize(ctx, caller, toolName, def.Features(args)...)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RequestID: uuid.NewString(),
		Caller:    caller,
		Decision:  decision,
	}

	out, handlerErr := d.router.RouteToolCall(auth.WithCaller(ctx, caller), toolName, args, res.RequestID, caller)

	// recorded even when the handler failed; the caller's cancellation must not drop it
	if err := d.ledger.AppendUsage(context.WithoutCancel(ctx), caller.UserID, toolName, d.now()); err != nil {
		d.logger.Error("usage ledger write failed",
			"user_id", caller.UserID,
			"tool_name", toolName,
			"request_id", res.RequestID,
			"error", err,
		)
	}

	if handlerErr != nil {
		return res, handlerErr
	}
	res.Output = out
	return res, nil
}

// Definitions lists the advertised tools.
func (d *Dispatcher) Definitions() []*packs.ToolDefinition {
	return d.router.Definitions()
}
