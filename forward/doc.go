// Package forward multiplexes many logical TCP streams over a single
// transit pipe, using framed {stream_id, kind, payload} records (spec.md
// §4.4 "port-forward application"). One side accepts local TCP connections
// and forwards each over a fresh stream; the other dials a fixed target
// address per incoming stream and relays its bytes back.
package forward
