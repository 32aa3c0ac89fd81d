// Package wormhole implements the key-agreement session: it drives a
// rendezvous.Client through nameplate/mailbox allocation, runs the
// symmetric SPAKE2 exchange, derives purpose-scoped subkeys, and exposes an
// encrypted, phase-ordered mailbox message stream to applications layered
// on top (transfer, forward).
package wormhole
