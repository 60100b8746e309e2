// Package session persists the identity provider's current session and the
// pending PKCE code verifier so a restarted client can bootstrap from them.
//
// # Binary encoding
//
// Records are stored as a compact versioned binary blob. The encoder is
// append-only: new versions add fields but never reinterpret old ones.
//
// # Architecture boundaries
//
// This package owns the [Store] implementations (Redis and memory) and the
// [Record] model. It does NOT decide when a session is valid, refresh tokens,
// or emit events; those belong to the provider adapter.
//
// # What this package must NOT do
//
//   - Import tmauth or provider adapters (no upward imports).
//   - Log or otherwise expose token material.
package session
