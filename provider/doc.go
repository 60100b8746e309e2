// Package provider defines the identity-provider capability set consumed by tmauth
// and the session-change event stream it emits.
//
// # Architecture boundaries
//
// This package owns the [Session] and [User] value types, the closed set of
// [EventKind] variants, and the [Broadcaster] fan-out used by adapters to
// publish events. It does NOT reconcile sessions or cache tokens; that belongs
// to the tmauth Client.
//
// # What this package must NOT do
//
//   - Import tmauth or any adapter package (provider is a leaf).
//   - Perform network I/O.
//   - Drop events: a subscriber receives every event published while it is
//     subscribed, in publication order.
package provider
