// Package flows contains pure-function orchestrators for every Client workflow.
//
// Each flow function (RunSignUp, RunSignIn, RunResetPasswordWithToken, etc.)
// accepts a typed dependency struct and returns results without side-effects
// beyond those dependencies. This keeps the Client type thin and lets the
// recovery state machine be tested with plain function fakes.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the identity provider, the identifier
// resolver, the session store, the profile queue, audit and metrics. They do
// NOT own any of these resources — ownership stays with the Client.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import tmauth (to avoid import cycles).
//   - Write the session store from sign-in entry points; the provider event
//     stream is the only path for those.
package flows
