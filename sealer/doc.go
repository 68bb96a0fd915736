// Package sealer encrypts protocol session material at rest.
//
// Session payloads are sealed with ChaCha20-Poly1305 before they reach the
// registry and opened only at the moment of use. Keys come either directly
// (32 bytes) or derived from a passphrase with Argon2id. The sealed form is
// nonce || ciphertext; the nonce is random per seal.
package sealer
