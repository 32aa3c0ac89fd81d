// Package spake2 implements the symmetric (M=N) SPAKE2 password-authenticated
// key exchange over the Ed25519 prime-order subgroup, as required by the
// wormhole key-agreement protocol. Both endpoints play an identical role:
// each blinds an ephemeral Diffie-Hellman share with the same password-derived
// point and combines the two shares into a shared secret that an
// eavesdropper without the password cannot compute and an attacker without
// the shared secret cannot verify offline.
package spake2
