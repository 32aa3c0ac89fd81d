// Package rendezvous implements the mailbox-server client: a long-lived
// WebSocket duplex carrying newline-free JSON frames, driven as an explicit
// state machine (spec.md §4.1). Outgoing operations are matched to the
// server's acks by a client-chosen correlation id; incoming frames
// — including ones the caller did not ask for, such as a peer's `message`
// frame — are delivered to registered listeners.
//
// A read-pump goroutine is the only reader of the socket: it decodes each
// frame and hands it straight to the request waiting on that correlation id
// or to the registered message handlers. Callers' goroutines write their own
// requests and register in the pending-request map; the map, the handler
// list and the state are shared between them under the client's mutexes.
package rendezvous
