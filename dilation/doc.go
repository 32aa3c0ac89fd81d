// Package dilation provides a reconnecting, multiplexed subchannel
// transport layered on top of a wormhole session's mailbox
// (original source's dilation.rs and dilation/{manager,connection,
// connector}.rs). Where a single transit.Pipe dies with its TCP
// connection, an Endpoint survives that death: it renegotiates a fresh
// transit "generation" over the mailbox and resumes accepting and opening
// subchannels, at the cost of dropping whatever subchannels were open on
// the dead generation. This mirrors the reference implementation's
// Flushing state, which discards in-flight connection state rather than
// replaying it.
//
// Subchannels are exposed as plain net.Conn values backed by net.Pipe, so
// callers can use Endpoint the same way they would a net.Listener/Dialer
// pair. Frames are the same {stream_id, kind, payload} wire shape the
// forward package uses, reused rather than reinvented.
package dilation
