// Package gateway orchestrates the buzzposter-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the server. It owns the
// store, the tier policy, the access gate, the tool packs and the HTTP server,
// and wires the external integrations (NewsAPI, Late.dev, Stripe, the media
// bucket) into the tool dependencies.
//
// # Quota Backends
//
// quota.backend selects the gate's usage counter:
//
//   - sqlite: the store's append-only usage ledger (check, then log)
//   - redis: a sorted set per user with atomic reservation
//
// The ledger in SQLite stays the record of every executed call either way.
//
// # HTTP Surface
//
//   - POST /signup - Create a free user and return its API key once
//   - POST /checkout - Start a Stripe subscription checkout
//   - POST /webhooks/stripe - Apply signed Stripe events
//   - GET /onboarding, GET /billing - HTML pages
//   - GET /auth/late/connect, /auth/late/callback, /auth/late/status - Late.dev linking
//   - POST|DELETE /mcp, /mcp/<api_key> - Streamable HTTP MCP
//   - GET / - Service info: endpoints, tier prices, tool packs
//   - GET /health - Liveness check
//
// CORS is applied to every route via rs/cors. Signups and Late.dev links are
// written to the store's audit log.
//
// # Listeners
//
// Without Tailscale the HTTP server listens on server.http_addr. With
// tailscale.enabled a tsnet node is started and serves plain HTTP on :80,
// HTTPS with tailnet certificates on :443, or a public Funnel on :443.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
//
// Shutdown stops the HTTP server, cancels in-flight tool calls, then closes
// the tsnet node and the store.
package gateway
