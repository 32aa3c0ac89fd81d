// Package config loads the options that parameterize a wormhole session and
// its transit connections: the rendezvous server URL, dial/handshake
// timeouts, relay hints, and the force-direct/force-relay switches. It
// It follows an Options/NewOptions convention: a plain struct with
// documented defaults that callers can construct directly, plus an optional
// YAML loader for CLI-style use.
package config
