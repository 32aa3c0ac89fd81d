package transfer

import "errors"

// ErrOverwriteRefused is returned by Receive when the destination path
// already exists and AllowOverwrite was not set (spec.md §4.4 "Receivers
// MUST refuse to overwrite existing files").
var ErrOverwriteRefused = errors.New("transfer: destination already exists")

// ErrOfferRejected is returned by Send when the peer declines the offer.
var ErrOfferRejected = errors.New("transfer: peer rejected offer")

// ErrIntegrity is returned when the receiver's acknowledged digest does not
// match the bytes the sender actually sent.
var ErrIntegrity = errors.New("transfer: digest mismatch after transfer")

// PathError wraps a failing filesystem operation with the path it acted on.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return "transfer: " + e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }
