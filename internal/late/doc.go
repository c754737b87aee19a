// Package late talks to Late.dev, the social scheduling service behind the
// posting tools.
//
// It covers two things: the OAuth authorization-code flow that links a
// BuzzPoster user to a Late account, and an authenticated API session that
// sends the user's bearer token. When the API answers 401 the session refreshes
// the token once, persists the new pair through a TokenSaver and retries the
// request. A second 401, or a missing refresh token, is ErrReconnect.
package late
