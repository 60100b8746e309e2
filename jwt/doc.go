// Package jwt inspects provider-issued access tokens on the client side.
//
// Tokens are decoded to recover the subject, email, username metadata and
// expiry when the provider response omits them. Signature verification is
// optional and only performed when a shared HS256 secret is configured.
package jwt
