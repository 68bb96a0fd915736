// Package stores provides internal Redis-backed stores for the short-lived
// handshake records used by the linking flows.
//
// Records are single-use and time-boxed. TTLs are set on write, and expiry is
// also enforced at read time so a record that outlives its deadline behaves
// as absent even before Redis reaps it. Encoding is versioned binary, never
// JSON, so protocol material stays opaque on the wire and in the store.
package stores
