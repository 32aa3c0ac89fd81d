package transit

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

// ConnectionType reports how the winning connection was established
// (spec.md §8 scenario S4 "TransitInfo.connection_type == Relay").
type ConnectionType int

const (
	ConnectionDirect ConnectionType = iota
	ConnectionRelay
)

func (c ConnectionType) String() string {
	if c == ConnectionRelay {
		return "relay"
	}
	return "direct"
}

// Keys bundles the two purpose-scoped subkeys transit needs: each side
// encrypts with its own role's key and decrypts with the peer's (spec.md
// §4.3 "Key derivation").
type Keys struct {
	Sender   wormholecrypto.PurposeKey
	Receiver wormholecrypto.PurposeKey
}

func (k Keys) selfKey(role Role) wormholecrypto.PurposeKey {
	if role == RoleSender {
		return k.Sender
	}
	return k.Receiver
}

func (k Keys) peerKey(role Role) wormholecrypto.PurposeKey {
	if role == RoleSender {
		return k.Receiver
	}
	return k.Sender
}

// DialOptions configures the dial race.
type DialOptions struct {
	Role             Role
	Keys             Keys
	DirectHints      []Hint
	RelayHints       []Hint
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Listener, if non-nil, is raced alongside the outbound dials: an
	// inbound connection from the peer (arriving because our advertised
	// direct-tcp hints let it reach us, even when we cannot reach it) can
	// equally win the race. This is how two peers behind asymmetric NATs
	// still complete a direct connection.
	Listener net.Listener
}

type wonCandidate struct {
	conn     net.Conn
	reader   *bufio.Reader
	connType ConnectionType
}

// dialAttempt is one candidate's outcome, fed into the race's results
// channel by both outbound dials and inbound accepts.
type dialAttempt struct {
	candidate wonCandidate
	err       error
}

// Dial races a TCP connection to every direct and relay hint in parallel,
// performs the transit handshake on each as it connects, and returns the
// winning *Pipe (spec.md §4.3 "Dial race", §8 property 7).
//
// Uses a fan-out-and-cancel shape generalized from UDP hole punching to a
// TCP dial race.
func Dial(ctx context.Context, opts DialOptions) (*Pipe, ConnectionType, error) {
	log := logrus.WithFields(logrus.Fields{"package": "transit", "function": "Dial", "role": opts.Role.String()})

	type target struct {
		hint     Hint
		relay    bool
		relayVia Hint // the relay server's own hint, for relay-kind direct children
	}

	var targets []target
	for _, h := range opts.DirectHints {
		targets = append(targets, target{hint: h})
	}
	for _, relay := range opts.RelayHints {
		for _, inner := range relay.Hints {
			targets = append(targets, target{hint: inner, relay: true, relayVia: relay})
		}
	}

	if len(targets) == 0 && opts.Listener == nil {
		return nil, 0, newError(KindNoConnection, nil)
	}

	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	results := make(chan dialAttempt, len(targets)+16)
	var wg sync.WaitGroup

	for _, tgt := range targets {
		tgt := tgt
		wg.Add(1)
		go func() {
			defer wg.Done()
			cand, err := dialOne(raceCtx, opts, tgt.hint, tgt.relay)
			results <- dialAttempt{candidate: cand, err: err}
		}()
	}
	if opts.Listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptCandidates(raceCtx, opts, opts.Listener, results, &wg)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var winner wonCandidate
	var werr error

	switch opts.Role {
	case RoleSender:
		// spec.md "the sender picks the first to complete": take the first
		// success, cancel the rest of the race, then drain and close any
		// further candidates that were already in flight as losers.
		var anySucceeded bool
		var haveWinner bool
		for a := range results {
			if a.err != nil {
				if !errors.Is(a.err, context.Canceled) && !errors.Is(a.err, ErrCancelled) {
					log.WithError(a.err).Debug("candidate failed")
				}
				continue
			}
			anySucceeded = true
			if !haveWinner {
				winner = a.candidate
				haveWinner = true
				cancelRace()
			} else {
				sendNevermind(a.candidate.conn)
				a.candidate.conn.Close()
			}
		}
		if !haveWinner {
			switch {
			case ctx.Err() != nil:
				werr = newError(KindCancelled, ErrCancelled)
			case !anySucceeded:
				werr = newError(KindNoConnection, nil)
			default:
				werr = newError(KindHandshakeMismatch, nil)
			}
			break
		}
		if err := sendGo(winner.conn); err != nil {
			winner.conn.Close()
			werr = newError(KindHandshakeMismatch, err)
		}

	case RoleReceiver:
		var succeeded []wonCandidate
		var anySucceeded bool
		for a := range results {
			if a.err != nil {
				if !errors.Is(a.err, context.Canceled) && !errors.Is(a.err, ErrCancelled) {
					log.WithError(a.err).Debug("candidate failed")
				}
				continue
			}
			anySucceeded = true
			succeeded = append(succeeded, a.candidate)
		}
		if len(succeeded) == 0 {
			switch {
			case ctx.Err() != nil:
				werr = newError(KindCancelled, ErrCancelled)
			case !anySucceeded:
				werr = newError(KindNoConnection, nil)
			default:
				werr = newError(KindHandshakeMismatch, nil)
			}
			break
		}
		w, losers, err := raceForGo(succeeded)
		for _, l := range losers {
			l.Close()
		}
		if err != nil {
			werr = err
			break
		}
		winner = w
	}

	if werr != nil {
		return nil, 0, werr
	}

	pipe := newPipe(winner.conn, opts.Keys.selfKey(opts.Role), opts.Keys.peerKey(opts.Role), opts.Role)
	log.WithField("connection_type", winner.connType.String()).Info("transit connection established")
	return pipe, winner.connType, nil
}

// raceForGo waits, across every handshaken receiver-side candidate, for the
// first one that the sender confirms with "go\n". The rest are returned as
// losers to be closed by the caller.
func raceForGo(candidates []wonCandidate) (wonCandidate, []net.Conn, error) {
	type result struct {
		idx int
		err error
	}
	resCh := make(chan result, len(candidates))
	for i, c := range candidates {
		i, c := i, c
		go func() {
			resCh <- result{idx: i, err: expectGo(c.reader)}
		}()
	}

	for range candidates {
		r := <-resCh
		if r.err == nil {
			losers := make([]net.Conn, 0, len(candidates)-1)
			for i, c := range candidates {
				if i != r.idx {
					losers = append(losers, c.conn)
				}
			}
			return candidates[r.idx], losers, nil
		}
	}

	losers := make([]net.Conn, 0, len(candidates))
	for _, c := range candidates {
		losers = append(losers, c.conn)
	}
	return wonCandidate{}, losers, newError(KindNoConnection, nil)
}

// dialOne connects to a single hint, performs any relay preamble, and runs
// the transit handshake. It does not perform the final go/nevermind
// exchange, which only happens once a winner is chosen.
func dialOne(ctx context.Context, opts DialOptions, hint Hint, relay bool) (wonCandidate, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", hint.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return wonCandidate{}, newError(KindCancelled, ErrCancelled)
		}
		return wonCandidate{}, err
	}

	return handshakeOn(ctx, opts, conn, relay)
}

// acceptCandidates accepts inbound connections on ln until ctx is cancelled,
// running the transit handshake on each and forwarding the outcome to
// results exactly like a dialed candidate (spec.md §9 "Dial race":
// structured concurrent fan-out; an inbound leg is just another candidate).
// Each accepted connection's handshake runs in its own goroutine tracked by
// wg, so the caller never closes results while one of these is still in
// flight.
func acceptCandidates(ctx context.Context, opts DialOptions, ln net.Listener, results chan<- dialAttempt, wg *sync.WaitGroup) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cand, err := handshakeOn(ctx, opts, conn, false)
			select {
			case results <- dialAttempt{candidate: cand, err: err}:
			case <-ctx.Done():
				if err == nil {
					cand.conn.Close()
				}
			}
		}()
	}
}

// handshakeOn runs the relay preamble (if any) and the transit handshake on
// an already-connected conn, shared by both the dial and accept paths.
func handshakeOn(ctx context.Context, opts DialOptions, conn net.Conn, relay bool) (wonCandidate, error) {
	if deadline, ok := handshakeDeadline(opts.HandshakeTimeout); ok {
		conn.SetDeadline(deadline)
	}

	selfHash := handshakeHash(opts.Keys.selfKey(opts.Role))
	peerHash := handshakeHash(opts.Keys.peerKey(opts.Role))

	if relay {
		// spec.md §4.3 "Relay connections first issue a relay handshake".
		// The relay preamble is keyed by the sender's hhash regardless of
		// which side we are, so the relay can match both legs together.
		if err := relayPreamble(conn, handshakeHash(opts.Keys.Sender)); err != nil {
			conn.Close()
			return wonCandidate{}, err
		}
	}

	if err := sendHandshakeLine(conn, opts.Role, selfHash); err != nil {
		conn.Close()
		return wonCandidate{}, err
	}

	reader := bufio.NewReader(conn)
	if err := expectHandshakeLine(reader, opts.Role, peerHash); err != nil {
		conn.Close()
		return wonCandidate{}, err
	}

	conn.SetDeadline(time.Time{})

	connType := ConnectionDirect
	if relay {
		connType = ConnectionRelay
	}

	select {
	case <-ctx.Done():
		conn.Close()
		return wonCandidate{}, newError(KindCancelled, ErrCancelled)
	default:
	}

	return wonCandidate{conn: conn, reader: reader, connType: connType}, nil
}

func handshakeDeadline(timeout time.Duration) (time.Time, bool) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return time.Now().Add(timeout), true
}
