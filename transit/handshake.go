package transit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

// Role distinguishes which side of the transit handshake this endpoint
// plays (spec.md §4.3 "Transit handshake").
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

func (r Role) peerWord() string {
	if r == RoleSender {
		return "receiver"
	}
	return "sender"
}

func (r Role) selfWord() string { return r.String() }

// handshakeHash returns hex(SHA256(role_key)), the value both sides embed
// in their handshake line (spec.md §4.3 "hhash = SHA256(role_key)").
func handshakeHash(roleKey wormholecrypto.PurposeKey) string {
	k := roleKey.Bytes()
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:])
}

// relayPreamble writes the "please relay <hhash>\n" line a relay
// connection must send before the transit handshake (spec.md §6 "Transit
// wire").
func relayPreamble(conn net.Conn, hhash string) error {
	_, err := fmt.Fprintf(conn, "please relay %s\n", hhash)
	return err
}

// sendHandshakeLine writes this side's "transit <role> <hhash>\n" line.
func sendHandshakeLine(conn net.Conn, role Role, hhash string) error {
	_, err := fmt.Fprintf(conn, "transit %s %s\n", role.selfWord(), hhash)
	return err
}

// expectHandshakeLine reads and validates the peer's "transit <peerRole>
// <hhash>\n" line.
func expectHandshakeLine(r *bufio.Reader, role Role, hhash string) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("transit: reading handshake line: %w", err)
	}
	want := fmt.Sprintf("transit %s %s\n", role.peerWord(), hhash)
	if line != want {
		return newError(KindHandshakeMismatch, fmt.Errorf("transit: got %q", line))
	}
	return nil
}

// sendGo confirms the sender's selection of this connection; sendNevermind
// tells a losing candidate to disconnect (spec.md §4.3 "Tie-break rule").
func sendGo(conn net.Conn) error {
	_, err := fmt.Fprint(conn, "go\n")
	return err
}

func sendNevermind(conn net.Conn) error {
	_, err := fmt.Fprint(conn, "nevermind\n")
	return err
}

func expectGo(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("transit: reading go/nevermind: %w", err)
	}
	if line != "go\n" {
		return newError(KindHandshakeMismatch, fmt.Errorf("transit: sender signalled %q", line))
	}
	return nil
}
