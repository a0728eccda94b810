// Package tags derives the topic identifiers shards are routed by.
//
// # Tag Kinds
//
// A tag is a 32-byte SHA-256 digest, carried as 64 lowercase hex characters.
// Two kinds exist:
//
//  1. Feed tags - public, derived from a publisher key and a namespace.
//     Anyone who knows the publisher key can subscribe.
//  2. Rendezvous tags - private, derived from a recipient key, a time epoch
//     and a namespace. They rotate every epoch so an observer cannot link
//     traffic for the same recipient across days.
//
// Layouts:
//
//	feed: SHA256("feed" || pubkey || uint16be(namespace))
//	rv:   SHA256("rv"   || pubkey || uint32be(epoch) || uint16be(namespace))
//
// # Epoch Windows
//
// Senders and receivers whose clocks straddle an epoch boundary would derive
// different rendezvous tags. RvTagWindowHex returns the adjacent epoch's tag
// as well while "now" is within the overlap of either boundary, so both
// sides share at least one tag during a rotation.
//
// # Hash Strategies
//
// The digest is computed by a Hasher chosen when the Deriver is built:
//
//	d, _ := tags.NewDeriver(tags.StrategyAccelerated) // minio/sha256-simd
//	d, _ := tags.NewDeriver(tags.StrategyPortable)    // crypto/sha256
//
// Both produce identical bytes. The choice is configuration, never sensed
// from the runtime environment.
package tags
