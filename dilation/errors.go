package dilation

import "errors"

// ErrReconnectExhausted is returned by Endpoint.Run when Options.MaxReconnectAttempts
// consecutive generations fail to connect.
var ErrReconnectExhausted = errors.New("dilation: exhausted reconnect attempts")

// ErrClosed is returned by OpenStream and Accept once the endpoint has been
// closed.
var ErrClosed = errors.New("dilation: endpoint closed")

// ErrNoGeneration is returned by OpenStream when no transit generation has
// connected yet; callers should wait for Run to establish the first one.
var ErrNoGeneration = errors.New("dilation: no generation established yet")
