// Package rate provides internal primitives used to build Redis-backed rate
// limit keys, budgets, and limiter behavior for the linking flows.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Windows never
// slide; a counter lives for exactly one window from its first hit. Budgets
// that count only failures call Forgive on success, which decrements the
// counter without touching the window.
//
// # What this package must NOT do
//
//   - Decide which operations count all attempts vs failures only (the engine
//     encodes that by choosing when to call Allow vs Forgive).
//   - Be imported outside the tglink module.
package rate
