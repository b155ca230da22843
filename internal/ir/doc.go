// Package ir provides the shared record types and the canonical encoding
// used for content-addressed identity in meshsync.
//
// This package contains type definitions and hashing only. Every other
// internal package imports ir; ir imports nothing internal.
//
// Key design constraints:
//   - Identity projections carry no floats: coordinates are micro-degrees,
//     timestamps are whole unix seconds
//   - JSON tags use camelCase to match the replicated document shapes
//   - Record ids are "<dataType>_<sha256>" over RFC 8785 canonical JSON
package ir
