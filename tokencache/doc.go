// Package tokencache mirrors the current access token into memory and a
// durable [Storage] so request-signing code can read it without touching the
// session store.
//
// # Architecture boundaries
//
// The [Cache] has exactly one writer, the session reconciliation step. Readers
// never write. Durable storage is a mirror: when a durable write fails the
// in-memory value stays authoritative and the failure is logged.
package tokencache
