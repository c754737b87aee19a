// Package packs provides the tool pack system behind the MCP endpoint.
//
// # Overview
//
// Tools are grouped into packs (content, feeds, social, media). Each tool has
// a definition advertised through tools/list and an in-process handler.
//
// # Architecture
//
//   - Registry: Tracks every registered pack and rejects name collisions
//   - Router: Runs a tool's handler with a timeout and panic recovery
//
// # Gating
//
// A ToolDefinition names the tier feature it requires. The registry and router
// do not enforce it; the dispatcher passes it to the access gate before the
// router is ever called.
//
// # Tool Routing
//
// When the dispatcher routes a call, the router:
//
//  1. Looks up the tool by name in the registry
//  2. Starts the handler under a DefaultTimeout (30s) deadline
//  3. Returns the handler's output or its error unchanged
//
// A panicking handler is recovered and reported as ErrHandlerPanic.
//
// # Usage
//
//	registry := packs.NewRegistry(logger)
//	_ = registry.RegisterBuiltinPack(tools.ContentPack(deps))
//	router := packs.NewRouter(packs.RouterConfig{Registry: registry, Logger: logger})
//	out, err := router.RouteToolCall(ctx, "buzzposter_get_feed", input, requestID, caller)
package packs
