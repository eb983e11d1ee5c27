// Package relay implements the client registry and message-routing engine.
//
// One Manager owns all connected clients. Group membership, targeted relay,
// broadcasts and the liveness/idle sweeps all run under a single mutex, so no
// two registry mutations ever interleave partially.
package relay
