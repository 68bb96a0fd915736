// Package mterr is the single point of knowledge of the messaging protocol's
// error vocabulary. Every error raised by the protocol client passes through
// [Map] exactly once; the resulting [Error] carries a member of the closed
// [Code] enumeration, a human-readable message, and an optional retry hint.
//
// No other package in this module may contain protocol error literals or
// perform substring matching on protocol errors. A boundary test in the root
// package scans the source tree to enforce this.
package mterr
