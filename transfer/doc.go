// Package transfer layers a file/directory transfer application on top of a
// wormhole.Session and the transit record pipe (spec.md §4.4). It exchanges
// transit hints and an offer/answer pair as encrypted mailbox phases, then
// streams the payload and a final integrity acknowledgment over a transit
// pipe.
package transfer
