// Package wirecodec implements the low-level byte and message framing shared
// by the rendezvous client and the transit record pipe: length-prefixed
// record framing, hex encoding of keys/nonces/bodies, and the JSON envelope
// used for mailbox-server messages.
package wirecodec
