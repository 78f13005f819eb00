// Package canon provides canonical encoding and content-addressed hashing
// for the covenant engine.
//
// This package is the foundational layer: every other internal package may
// import canon; canon imports nothing internal. All boundary-crossing
// artifacts (operations, graphs, batches, states, receipts, policy bundles)
// are hashed over their canonical encoding, so any two encoders must produce
// byte-identical output for the same value.
//
// Key design constraints:
//   - NO float types anywhere - floats in a decision path break determinism
//   - NO null values - absence is expressed by omitting the key
//   - Rationals are always stored reduced, with a positive denominator
//   - Object keys sort by UTF-16 code units (RFC 8785), not UTF-8 bytes
//   - Strings are NFC normalized at the serialization boundary
package canon
