// Package internal contains helper utilities that are intentionally private
// to the engine, including secure handshake id generation.
//
// # Sub-packages
//
//   - rate — core Redis-backed budget primitives
//   - stores — handshake record stores (phone code, QR)
//
// # What this package must NOT do
//
//   - Export types that appear in the public API.
//   - Be imported by any package outside this module.
package internal
