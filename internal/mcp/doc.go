// Package mcp implements the Model Context Protocol server that agent clients
// use to call BuzzPoster tools.
//
// # Protocol
//
// JSON-RPC 2.0 over the Streamable HTTP transport. A single endpoint handles:
//
//   - POST /mcp - initialize, ping, tools/list, tools/call and notifications
//   - DELETE /mcp - session termination
//
// # Authentication
//
// Clients present their BuzzPoster API key in any of these forms:
//
//	Authorization: Bearer bp_...
//	X-API-Key: bp_...
//	POST /mcp/bp_...
//	POST /mcp?api_key=bp_...
//
// initialize resolves the key and opens a session bound to its hash. Every
// tools/call resolves the key again, so a tier change made through billing is
// visible on the next call without reconnecting.
//
// # Errors
//
// Failures that happen before a tool runs are JSON-RPC errors:
//
//	-32001  authentication failed (HTTP 401)
//	-32003  feature requires a paid tier (HTTP 403)
//	-32029  daily limit reached (HTTP 429)
//	-32602  unknown tool or malformed params
//
// A tool that runs and fails produces a normal result with isError set, and
// the call still counts toward the caller's quota.
//
// # Client configuration
//
//	{
//	  "mcpServers": {
//	    "buzzposter": {
//	      "url": "https://buzzposter.example.com/mcp",
//	      "headers": {"Authorization": "Bearer bp_..."}
//	    }
//	  }
//	}
package mcp
