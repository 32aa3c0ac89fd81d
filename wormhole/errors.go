package wormhole

import (
	"errors"
	"fmt"
)

// ErrWrongCode indicates the peer's first encrypted mailbox message (the
// version phase) failed to decrypt. A wrong code and a tampered ciphertext
// are indistinguishable at this point, so both present identically — only
// the timing (first message vs. a later one) lets the host tell them apart
// from Scared.
var ErrWrongCode = errors.New("wormhole: wrong code")

// ErrScared indicates this side, or the peer, detected tampering on an
// application phase after the handshake succeeded.
var ErrScared = errors.New("wormhole: scared: peer or local MAC check failed")

// ErrNoPeer indicates the rendezvous connection closed while this side was
// waiting on the peer, during the handshake or in Receive. A peer closing
// its side of the mailbox is not detected on its own.
var ErrNoPeer = errors.New("wormhole: no peer")

// ErrLonely indicates cancellation occurred before any peer joined the
// mailbox.
var ErrLonely = errors.New("wormhole: lonely: no peer joined")

// ErrCancelled indicates the caller's context was cancelled mid-operation.
var ErrCancelled = errors.New("wormhole: cancelled")

// CodeError indicates a malformed code: a non-integer nameplate, an empty
// password, or an unparseable wormhole URI (spec.md §7 "CodeError").
type CodeError struct {
	Input string
	Err   error
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("wormhole: invalid code %q: %v", e.Input, e.Err)
}
func (e *CodeError) Unwrap() error { return e.Err }

// ProtocolError covers structural violations of the mailbox message
// protocol: a duplicate pake/version phase, an out-of-order or repeated
// application phase number, or a peer version body that is not valid JSON
// (spec.md §7 "ProtocolError"). The abilities in the peer's version message
// are not checked.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wormhole: protocol error: " + e.Reason }

func newProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}
