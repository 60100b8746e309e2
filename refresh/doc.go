// Package refresh schedules proactive access-token refreshes ahead of expiry.
//
// # Architecture boundaries
//
// This package owns only timing: one pending refresh at a time, replaced
// whenever a new session expiry is known. Calling the identity provider,
// rotating tokens and emitting events belong to the provider adapter.
//
// # What this package must NOT do
//
//   - Perform network I/O.
//   - Import tmauth, provider adapters, or session storage.
//   - Run more than one scheduled callback per Schedule call.
package refresh
