// Package auth identifies the caller behind every gateway request.
//
// # API Keys
//
// Users authenticate with an opaque API key of the form bp_<43 url-safe
// characters>. The key is shown once at signup. Only its BLAKE2b-256 digest is
// stored, so a database leak does not leak usable keys.
//
// A request may present the key as:
//
//   - Authorization: Bearer bp_...
//   - X-API-Key: bp_...
//   - ?api_key=bp_... (HTML pages only)
//
// # Resolution
//
// StoreResolver maps a key to a Caller by re-reading the user on every call.
// The Caller is a snapshot, so tier changes from billing apply to the next
// request without any cache to invalidate.
//
// # OAuth State
//
// StateSigner issues short-lived HS256 JWTs for the Late OAuth round trip. The
// token carries the user id as its subject; the API key is never placed in a
// URL that leaves the gateway.
package auth
