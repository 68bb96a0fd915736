// Package tglink is an embeddable engine for linking external messaging
// accounts to a platform. It drives the phone-code and QR login flows against
// an upstream protocol client, keeps the authoritative session registry in
// Redis, and fans out live session status changes to subscribers.
//
// The engine is constructed once with [New] and its builder, then shared:
//
//	eng, err := tglink.New().
//		WithRedis(rdb).
//		WithProtocolClient(client).
//		WithSealer(sl).
//		Build()
//
// All raw upstream error strings are translated to the closed taxonomy in
// package mterr before they reach callers; no protocol literal ever crosses
// the engine boundary.
package tglink
