package transit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenerHint starts a TCP listener on an ephemeral loopback port and
// returns both the listener and the Hint a peer would dial to reach it.
func listenerHint(t *testing.T) (net.Listener, Hint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, Hint{Kind: HintDirectTCP, Hostname: "127.0.0.1", Port: port}
}

// TestDialSingleHintCompletes is the base case of spec.md property 7:
// given exactly one hint that completes its handshake, that hint's
// connection is selected by both sides.
func TestDialSingleHintCompletes(t *testing.T) {
	ln, hint := listenerHint(t)
	defer ln.Close()

	senderKeys, receiverKeys := testKeys(t)

	senderErr := make(chan error, 1)
	var senderPipe *Pipe
	var senderConnType ConnectionType
	go func() {
		p, ct, err := Dial(context.Background(), DialOptions{
			Role:     RoleSender,
			Keys:     senderKeys,
			Listener: ln,
		})
		senderPipe, senderConnType = p, ct
		senderErr <- err
	}()

	receiverPipe, receiverConnType, err := Dial(context.Background(), DialOptions{
		Role:        RoleReceiver,
		Keys:        receiverKeys,
		DirectHints: []Hint{hint},
	})
	require.NoError(t, err)
	defer receiverPipe.Close()

	require.NoError(t, <-senderErr)
	defer senderPipe.Close()

	assert.Equal(t, ConnectionDirect, senderConnType)
	assert.Equal(t, ConnectionDirect, receiverConnType)

	// Confirm the resulting pipe actually carries traffic end to end.
	done := make(chan error, 1)
	go func() { done <- receiverPipe.WriteRecord([]byte("ping")) }()
	got, err := senderPipe.ReadRecord()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, []byte("ping"), got)
}

// TestDialRaceSelectsEarliestThenSignalsGo exercises spec.md property 7's
// multi-candidate case: the same reachable peer is offered twice as two
// distinct hints (mirroring two network paths to one listening socket), and
// the race still converges on exactly one winning pipe on both sides.
func TestDialRaceSelectsEarliestThenSignalsGo(t *testing.T) {
	ln, hint := listenerHint(t)
	defer ln.Close()

	senderKeys, receiverKeys := testKeys(t)

	senderErr := make(chan error, 1)
	var senderPipe *Pipe
	go func() {
		p, _, err := Dial(context.Background(), DialOptions{
			Role:     RoleSender,
			Keys:     senderKeys,
			Listener: ln,
		})
		senderPipe = p
		senderErr <- err
	}()

	receiverPipe, _, err := Dial(context.Background(), DialOptions{
		Role:        RoleReceiver,
		Keys:        receiverKeys,
		DirectHints: []Hint{hint, hint},
	})
	require.NoError(t, err)
	defer receiverPipe.Close()

	require.NoError(t, <-senderErr)
	defer senderPipe.Close()

	done := make(chan error, 1)
	go func() { done <- senderPipe.WriteRecord([]byte("pong")) }()
	got, err := receiverPipe.ReadRecord()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, []byte("pong"), got)
}

// TestDialNoHintsFails confirms Dial reports KindNoConnection when there is
// nothing to dial and no inbound listener.
func TestDialNoHintsFails(t *testing.T) {
	keys, _ := testKeys(t)
	_, _, err := Dial(context.Background(), DialOptions{Role: RoleSender, Keys: keys})
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindNoConnection, terr.Kind)
}

// TestDialUnreachableHintFails confirms a hint nobody is listening on
// surfaces as an error rather than hanging forever.
func TestDialUnreachableHintFails(t *testing.T) {
	keys, _ := testKeys(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln, hint := listenerHint(t)
	require.NoError(t, ln.Close()) // closed: nothing answers this port

	_, _, err := Dial(ctx, DialOptions{
		Role:        RoleSender,
		Keys:        keys,
		DirectHints: []Hint{hint},
		DialTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
}

// TestDialCancelledContextSurfacesErrCancelled confirms a caller whose
// context is already cancelled before the race completes sees ErrCancelled
// wrapped in a *Error, not a raw context error or a KindNoConnection that
// would be indistinguishable from "nobody answered" (spec.md §7
// "Cancelled").
func TestDialCancelledContextSurfacesErrCancelled(t *testing.T) {
	keys, _ := testKeys(t)
	ln, hint := listenerHint(t)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Dial(ctx, DialOptions{
		Role:        RoleSender,
		Keys:        keys,
		DirectHints: []Hint{hint},
	})
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindCancelled, terr.Kind)
	assert.ErrorIs(t, err, ErrCancelled)
}

// fakeRelay accepts exactly two legs on ln, reads and forwards the "please
// relay <hhash>\n" preamble line each one sends, then pipes the two
// connections together byte for byte — standing in for the rendezvous
// server's relay role without reimplementing it.
func fakeRelay(t *testing.T, ln net.Listener) <-chan string {
	t.Helper()
	lines := make(chan string, 2)
	go func() {
		c1, err := ln.Accept()
		if err != nil {
			return
		}
		c2, err := ln.Accept()
		if err != nil {
			return
		}
		r1 := bufio.NewReader(c1)
		r2 := bufio.NewReader(c2)
		l1, err := r1.ReadString('\n')
		if err != nil {
			return
		}
		l2, err := r2.ReadString('\n')
		if err != nil {
			return
		}
		lines <- l1
		lines <- l2
		go io.Copy(c1, r2)
		go io.Copy(c2, r1)
	}()
	return lines
}

// TestDialRelayPathCompletesHandshake exercises spec.md §8 scenario S4: both
// legs only ever reach each other through a relay hint, never a direct one,
// and the winning pipe reports ConnectionType == ConnectionRelay.
func TestDialRelayPathCompletesHandshake(t *testing.T) {
	relayLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer relayLn.Close()
	relayPort := relayLn.Addr().(*net.TCPAddr).Port
	lines := fakeRelay(t, relayLn)

	senderKeys, receiverKeys := testKeys(t)
	relayHint := Hint{
		Kind:  HintRelayTCP,
		Hints: []Hint{{Kind: HintDirectTCP, Hostname: "127.0.0.1", Port: relayPort}},
	}

	senderErr := make(chan error, 1)
	var senderPipe *Pipe
	var senderConnType ConnectionType
	go func() {
		p, ct, err := Dial(context.Background(), DialOptions{
			Role:       RoleSender,
			Keys:       senderKeys,
			RelayHints: []Hint{relayHint},
		})
		senderPipe, senderConnType = p, ct
		senderErr <- err
	}()

	receiverPipe, receiverConnType, err := Dial(context.Background(), DialOptions{
		Role:       RoleReceiver,
		Keys:       receiverKeys,
		RelayHints: []Hint{relayHint},
	})
	require.NoError(t, err)
	defer receiverPipe.Close()

	require.NoError(t, <-senderErr)
	defer senderPipe.Close()

	assert.Equal(t, ConnectionRelay, senderConnType)
	assert.Equal(t, ConnectionRelay, receiverConnType)

	wantLine := fmt.Sprintf("please relay %s\n", handshakeHash(senderKeys.Sender))
	assert.Equal(t, wantLine, <-lines)
	assert.Equal(t, wantLine, <-lines)

	done := make(chan error, 1)
	go func() { done <- receiverPipe.WriteRecord([]byte("via relay")) }()
	got, err := senderPipe.ReadRecord()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, []byte("via relay"), got)
}
