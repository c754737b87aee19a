// Package dispatch runs a tool invocation through the full call path.
//
// An invocation is resolved to a caller, authorized by the access gate, routed
// to its handler, and recorded in the usage ledger:
//
//	credential → Resolver → gate.Authorize → packs.Router → AppendUsage → result
//
// Calls that fail authentication, name an unknown tool, or are denied by the
// gate never reach a handler and write no usage. Every call that reaches a
// handler writes exactly one usage record, whether the handler succeeds or
// fails. A failed ledger write is logged and does not change the result.
package dispatch
