// Package internal groups helpers private to tmauth.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - flows: credential workflow orchestrators run by the Client
//   - rate: Redis-backed send throttle
//
// # What this package must NOT do
//
//   - Export types that appear in the public tmauth API.
package internal
