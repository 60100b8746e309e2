// Package profilesync creates backend profile records after sign-up without
// blocking the sign-up workflow.
//
// # Delivery model
//
// Every profile is persisted as a [Task] before any network call, then handed
// to a worker. Failed attempts are retried with exponential backoff up to a
// fixed attempt budget; a cron-driven sweep re-dispatches due tasks,
// including those persisted by a previous process. Delivery is at-least-once:
// the backend endpoint must tolerate a repeated registration.
//
// # Architecture boundaries
//
// This package owns task state, retries and status fan-out. The HTTP call is
// supplied by a [Creator], normally the backend client.
package profilesync
