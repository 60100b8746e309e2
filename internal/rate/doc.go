// Package rate provides the Redis-backed send throttle used to cap how often
// one-time codes and recovery emails are requested for the same address.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key layout:
//   - <prefix>:send:<action>:<email> — sends per action and normalized email
//
// # What this package must NOT do
//
//   - Call the identity provider or decide what happens on denial.
//   - Be imported outside the tmauth module.
package rate
