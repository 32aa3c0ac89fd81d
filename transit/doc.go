// Package transit establishes the peer-to-peer byte pipe used after
// rendezvous: hint gathering (direct TCP endpoints and relay servers),
// a parallel dial race across every hint, a short handshake proving
// possession of the transit subkeys, and a framed, authenticated record
// pipe for the winning connection (spec.md §4.3).
//
// The dial race spawns one goroutine per candidate hint, generalized from
// UDP hole-punching to a plain TCP dial. On the sender side the first
// success wins and the rest are cancelled; the receiver keeps every
// candidate that completes the handshake and uses the one the sender
// confirms with "go".
package transit
