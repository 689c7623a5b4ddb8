// Package launcher owns the operator side of the control channel.
//
// Ownership boundary:
// - dialing the gateway control port as a launcher peer
// - issuing one lifecycle command per connection and reading its result
//
// The launcher holds no state between invocations; every command is a
// fresh dial, handshake, request, response.
package launcher
