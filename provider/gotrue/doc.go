// Package gotrue implements [provider.IdentityProvider] against a GoTrue
// (Supabase Auth) REST endpoint.
//
// The adapter owns the provider-side session: it persists it in a
// [session.Store], refreshes it with the refresh token (collapsing concurrent
// refreshes into one request), and publishes every change on its event
// stream. Email links and recovery emails use PKCE; the code verifier is kept
// in the same store so a code can be exchanged after a restart.
//
// # What this package must NOT do
//
//   - Cache the access token for request signing; that is the Client's
//     token cache.
//   - Publish an event without first updating its own session state.
package gotrue
