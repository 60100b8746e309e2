// Package backend talks to the application backend: username-to-email lookup,
// profile registration, and a generic request-signing API client.
//
// # Architecture boundaries
//
// The [API] client reads the access token through a caller-supplied
// [TokenSource] and never writes it. A 401 response is reported once through
// the unauthorized hook so session expiry is handled centrally, then surfaced
// to the caller as [ErrSessionExpired].
package backend
