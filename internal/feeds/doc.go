// Package feeds fetches and normalizes RSS and Atom feeds.
//
// Parsing is delegated to gofeed. Parsed feeds are cached per URL for a short
// TTL so that topic reads from many callers do not hammer upstream sites.
// FetchSources fans out over several feeds with a bounded errgroup and merges
// the results newest first; a failing source is reported, not fatal.
package feeds
