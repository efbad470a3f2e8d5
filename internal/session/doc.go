// Package session manages the Deerma cloud session of the configured account.
//
// A Manager obtains tokens by password or SMS-code login, caches them in
// memory and in SQLite, and hands out a valid session on demand:
//
//   - EnsureValid refreshes a session that is inside the grace window before
//     expiry (default 5 minutes). A rejected refresh falls back to a fresh
//     password login with the stored credential.
//   - Concurrent callers that find the session expiring share one refresh.
//     Exactly one network exchange happens; everyone gets its result.
//   - Transient failures are retried with bounded exponential backoff. Auth
//     failures are returned immediately and are terminal.
//   - An SMS code is single-use, so a code-mode session that can no longer
//     be refreshed needs a new code (RequestCode, then Authenticate).
//
// Subscribers registered with OnChange are told about every new session so
// long-lived connections can pick up the new token.
package session
