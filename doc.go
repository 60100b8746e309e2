// Package tmauth keeps one consistent "current user" on the client side of an
// external identity provider.
//
// The provider owns credentials and issues sessions. tmauth subscribes to its
// session-change stream, reconciles every notification into a single session
// store, mirrors the access token into a durable token cache, and drives the
// credential workflows: sign-up, password and one-time-code sign-in, code
// exchange, password recovery and password change.
//
// # Lifecycle
//
// A [Client] is assembled by [Builder.Build] and started with [Client.Start],
// which restores the persisted session exactly once before applying provider
// events. Until Start returns [Client.Loading] is true and a nil user does not
// mean signed out. [Client.Close] stops the listener and drains background
// work.
//
// # Consistency
//
// All writes to the current session go through one reconcile step. The cached
// token is present exactly when a session is, and always equals the session's
// access token. Identity subscribers registered with
// [Client.OnIdentityChange] are notified only when the user id changes, in
// reconcile order.
//
// # What this package must NOT do
//
//   - Hash passwords or issue tokens; the provider does both.
//   - Keep package-level state; every cache belongs to a Client.
//   - Let a background profile-creation failure fail a sign-up.
package tmauth
