// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with several narrow
// interfaces:
//
//   - UserStore: Accounts, API key hashes, tiers, Late tokens, Stripe customers
//   - UsageStore: The append-only usage ledger read by the access gate
//   - FeedStore: Custom RSS subscriptions
//   - ProfileStore: Personalization profiles
//   - MediaStore: Uploaded media metadata and storage totals
//   - AuditStore: Account changes (signups, tier changes, key rotation)
//
// SQLiteStore implements all interfaces in a single struct. Consumers accept
// the narrowest interface they need.
//
// # Time Storage
//
// Timestamps are stored as fixed-width UTC text so that range predicates such
// as timestamp >= ? compare correctly as strings.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Errors
//
//   - ErrNotFound: Requested entity does not exist or belongs to another user
//   - ErrDuplicate: A unique column collided
//
// # Testing
//
// Use NewMockStore() for unit tests. MockStore can inject AppendUsage and
// CountUsageSince failures. Use NewSQLiteStore with a t.TempDir() path for
// integration tests.
package store
