// Package proto owns the gateway/engine control-channel wire contract.
//
// Ownership boundary:
// - fixed frame header primitives
// - tlv payload primitives
// - typed control/session message encode/decode
package proto
