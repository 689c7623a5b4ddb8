// Package engine owns the world-process half of the moorgate runtime.
//
// Ownership boundary:
// - control-port dialing with retry backoff and handshake
// - engine-side session mirror rebuilt from gateway resync
// - per-session ordered input dispatch into the game-logic boundary
// - graceful shutdown with persistence flush and a clean stop announce
//
// The engine is the disposable half: it is killed and relaunched far more
// often than the gateway, and carries no client sockets of its own.
package engine
