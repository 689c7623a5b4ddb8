// Package gateway owns the client-facing half of the moorgate runtime.
//
// Ownership boundary:
// - session registry and per-session buffering policy
// - engine slot lifecycle state machine and process spawning
// - control-port server for engine and launcher peers
// - client protocol listeners and session I/O routing
//
// The gateway is built to outlive the engine: client sockets stay open
// across engine crashes, stops, and reloads.
package gateway
