// Package wormholecrypto derives purpose-scoped subkeys from a wormhole
// master key, computes the human-comparable verifier, and provides the
// authenticated-encryption helpers used by the encrypted mailbox channel and
// reused by the transit record pipe. Authenticated encryption is NaCl
// secretbox (XSalsa20-Poly1305).
package wormholecrypto
