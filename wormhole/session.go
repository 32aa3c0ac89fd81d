package wormhole

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/config"
	"github.com/opd-ai/wormhole-go/rendezvous"
	"github.com/opd-ai/wormhole-go/spake2"
	"github.com/opd-ai/wormhole-go/wirecodec"
	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

// AppVersion is the application-level capability descriptor exchanged once
// as the version phase body (spec.md §3 "AppVersion").
type AppVersion map[string]any

// Options configures Create/Connect. RendezvousURL, AppID, and
// WebSocketIdleTimeout default to config.New()'s values when left zero.
type Options struct {
	RendezvousURL string
	AppID         string
	AppVersion    AppVersion

	// NumCodeWords controls how many words Create appends to the generated
	// nameplate (spec.md §6 "nameplate-word1-word2[-word3…]"). Defaults to 2.
	NumCodeWords int

	// WebSocketIdleTimeout bounds how long the mailbox connection may sit
	// without a server frame before it is considered lost (spec.md §5).
	// Negative disables the ping ticker and read deadline entirely.
	WebSocketIdleTimeout time.Duration
}

func (o Options) rendezvousURL() string {
	if o.RendezvousURL != "" {
		return o.RendezvousURL
	}
	return config.DefaultRendezvousURL
}

func (o Options) webSocketIdleTimeout() time.Duration {
	if o.WebSocketIdleTimeout != 0 {
		return o.WebSocketIdleTimeout
	}
	return config.New().WebSocketIdleTimeout
}

func (o Options) appID() string {
	if o.AppID != "" {
		return o.AppID
	}
	return config.New().AppID
}

// phaseMsg is a decoded, not-yet-decrypted application phase delivered by
// the peer.
type phaseMsg struct {
	phase string
	body  []byte
}

// Session is a wormhole key-agreement session. Once Ready returns nil, PAKE
// has completed, the version handshake has run, and MasterKey-derived
// PurposeKeys are available for both the caller's application phases and
// any layered protocol (transit, transfer) that needs its own subkey
// (spec.md §4.2).
type Session struct {
	client *rendezvous.Client
	appID  string
	side   string

	mailbox string

	masterKey   wormholecrypto.MasterKey
	verifier    [32]byte
	peerVersion AppVersion

	mu            sync.Mutex
	seenPake      bool
	seenVersion   bool
	nextSendPhase int
	nextRecvPhase int

	pakeCh    chan []byte
	versionCh chan []byte
	appCh     chan phaseMsg
	protoErrs chan error

	// readyCh closes once finishSetup returns, whether it succeeded or
	// failed; readyErr is only safe to read after readyCh is closed (the
	// close itself is the synchronizing event).
	readyCh  chan struct{}
	readyErr error
}

func newSession(client *rendezvous.Client, appID, side string) *Session {
	s := &Session{
		client:    client,
		appID:     appID,
		side:      side,
		pakeCh:    make(chan []byte, 1),
		versionCh: make(chan []byte, 1),
		appCh:     make(chan phaseMsg, 32),
		protoErrs: make(chan error, 1),
		readyCh:   make(chan struct{}),
	}
	client.OnMessage(s.onMessage)
	return s
}

// randomSide generates the 16-hex-char side identifier (spec.md §3
// "Side").
func randomSide() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("wormhole: generating side id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Create allocates a fresh nameplate and generates a code, returning as
// soon as the code is displayable (spec.md §4.2 "Create path"). The PAKE
// and version handshake continue in the background; call Ready, or simply
// Send/Receive, to wait for them — mirroring the real protocol, where the
// code must reach the peer out of band before the handshake can finish.
func Create(ctx context.Context, opts Options) (*Session, Code, error) {
	side, err := randomSide()
	if err != nil {
		return nil, Code{}, err
	}
	idleTimeout := opts.webSocketIdleTimeout()
	if idleTimeout < 0 {
		idleTimeout = 0
	}
	client := rendezvous.New(opts.rendezvousURL(), opts.appID(), side, idleTimeout)
	if err := client.Dial(ctx); err != nil {
		return nil, Code{}, fmt.Errorf("wormhole: create: %w", err)
	}
	s := newSession(client, opts.appID(), side)

	nameplate, err := client.Allocate(ctx)
	if err != nil {
		client.Close()
		return nil, Code{}, fmt.Errorf("wormhole: allocating nameplate: %w", err)
	}
	password, err := generatePassword(opts.NumCodeWords)
	if err != nil {
		client.Close()
		return nil, Code{}, err
	}
	code := Code{Nameplate: nameplate, Password: password}

	s.runHandshakeAsync(ctx, code, opts.AppVersion)
	return s, code, nil
}

// Connect claims a caller-supplied nameplate and returns immediately,
// running the receiver-side handshake in the background (spec.md §4.2
// "Connect path (receiver)"). Call Ready, or Send/Receive, to wait for it.
func Connect(ctx context.Context, opts Options, code Code) (*Session, error) {
	side, err := randomSide()
	if err != nil {
		return nil, err
	}
	idleTimeout := opts.webSocketIdleTimeout()
	if idleTimeout < 0 {
		idleTimeout = 0
	}
	client := rendezvous.New(opts.rendezvousURL(), opts.appID(), side, idleTimeout)
	if err := client.Dial(ctx); err != nil {
		return nil, fmt.Errorf("wormhole: connect: %w", err)
	}
	s := newSession(client, opts.appID(), side)

	s.runHandshakeAsync(ctx, code, opts.AppVersion)
	return s, nil
}

// runHandshakeAsync drives finishSetup in the background and records its
// outcome for Ready/Send/Receive to observe.
func (s *Session) runHandshakeAsync(ctx context.Context, code Code, appVersion AppVersion) {
	go func() {
		err := s.finishSetup(ctx, code, appVersion)
		s.readyErr = err
		close(s.readyCh)
		if err != nil {
			s.client.Close()
		}
	}()
}

// Ready blocks until the PAKE and version handshake completes, returning
// whatever error finishSetup produced (nil on success). Send and Receive
// call this internally, so most callers only need it to learn the Verifier
// or PeerVersion as soon as they are available.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return s.readyErr
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// finishSetup runs claim -> open -> SPAKE2 -> release -> version, common to
// both Create and Connect.
func (s *Session) finishSetup(ctx context.Context, code Code, appVersion AppVersion) error {
	log := logrus.WithFields(logrus.Fields{"package": "wormhole", "function": "finishSetup"})

	mailbox, err := s.client.Claim(ctx, code.Nameplate)
	if err != nil {
		return fmt.Errorf("wormhole: claiming nameplate: %w", err)
	}
	s.mailbox = mailbox
	if err := s.client.Open(ctx, mailbox); err != nil {
		return fmt.Errorf("wormhole: opening mailbox: %w", err)
	}

	password := append([]byte(s.appID+":"), []byte(code.Password)...)
	state := spake2.New(password)
	ourShare, err := state.Start()
	if err != nil {
		return fmt.Errorf("wormhole: starting SPAKE2: %w", err)
	}
	if err := s.client.Add(ctx, "pake", ourShare); err != nil {
		return fmt.Errorf("wormhole: sending pake: %w", err)
	}

	peerShare, err := s.awaitPhaseBody(ctx, s.pakeCh, ErrLonely)
	if err != nil {
		return err
	}
	secret, err := state.Finish(peerShare)
	if err != nil {
		return fmt.Errorf("wormhole: finishing SPAKE2: %w", err)
	}
	s.masterKey = wormholecrypto.DeriveMasterKey(secret)
	s.verifier = wormholecrypto.Verifier(s.masterKey)
	log.Debug("derived master key")

	// spec.md §4.2 "Immediately release the nameplate ... the mailbox
	// remains open" — halves nameplate contention under code reuse.
	if err := s.client.ReleaseNameplate(ctx, code.Nameplate); err != nil {
		return fmt.Errorf("wormhole: releasing nameplate: %w", err)
	}

	versionKey, err := s.PurposeKey(wormholecrypto.PurposeVersion)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(appVersion)
	if err != nil {
		return fmt.Errorf("wormhole: marshalling app version: %w", err)
	}
	sealed, err := wormholecrypto.Seal(versionKey, wormholecrypto.PurposeVersion, payload)
	if err != nil {
		return fmt.Errorf("wormhole: sealing version: %w", err)
	}
	if err := s.client.Add(ctx, "version", sealed); err != nil {
		return fmt.Errorf("wormhole: sending version: %w", err)
	}

	peerVersionSealed, err := s.awaitPhaseBody(ctx, s.versionCh, ErrCancelled)
	if err != nil {
		return err
	}
	plaintext, err := wormholecrypto.Open(versionKey, wormholecrypto.PurposeVersion, peerVersionSealed)
	if err != nil {
		// spec.md §4.2/§7 "WrongCode: first encrypted mailbox message fails
		// to decrypt": confidentiality is preserved, an incorrect code and
		// a tampered version message are indistinguishable here.
		return ErrWrongCode
	}
	var peerVersion AppVersion
	if len(plaintext) > 0 {
		if err := json.Unmarshal(plaintext, &peerVersion); err != nil {
			return newProtocolError("peer version body is not valid JSON")
		}
	}
	s.peerVersion = peerVersion
	return nil
}

// awaitPhaseBody waits for the next value on ch, a protocol error reported
// asynchronously by onMessage, the connection dropping (surfaced as
// ErrNoPeer), or ctx cancellation (surfaced as cancelErr, after the
// best-effort mailbox close of cancelCleanup).
//
// Callers pass ErrLonely for the pake wait, since cancellation there means no
// peer ever claimed the nameplate (spec.md §4.2/§7 "LonelyError"), and
// ErrCancelled for every later wait, where a peer is already known to exist.
func (s *Session) awaitPhaseBody(ctx context.Context, ch <-chan []byte, cancelErr error) ([]byte, error) {
	select {
	case body := <-ch:
		return body, nil
	case err := <-s.protoErrs:
		return nil, err
	case <-s.client.Done():
		return nil, ErrNoPeer
	case <-ctx.Done():
		s.cancelCleanup()
		return nil, fmt.Errorf("%w: %v", cancelErr, ctx.Err())
	}
}

// cancelCleanup best-effort closes the mailbox, if one is open, and the
// rendezvous connection on cancellation. It does not send a release for the
// nameplate. It never blocks on the caller's already-cancelled context.
func (s *Session) cancelCleanup() {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.mailbox != "" {
		_ = s.client.CloseMailbox(cleanupCtx, s.mailbox)
	}
	_ = s.client.Close()
}

// onMessage is the rendezvous.MessageHandler routing every relayed message
// to the right internal channel, filtering out this side's own echoed Adds
// (spec.md §4.1 "including ones the receiving side's own Add calls
// produced, which it must then filter by Side").
func (s *Session) onMessage(side, phase, bodyHex string) {
	if side == s.side {
		return
	}
	body, err := hexDecode(bodyHex)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "wormhole", "phase": phase}).
			WithError(err).Warn("discarding malformed phase body")
		return
	}

	switch phase {
	case "pake":
		if s.markSeen(&s.seenPake) {
			s.reportError(newProtocolError("duplicate pake phase"))
			return
		}
		nonBlockingSend(s.pakeCh, body)
	case "version":
		if s.markSeen(&s.seenVersion) {
			s.reportError(newProtocolError("duplicate version phase"))
			return
		}
		nonBlockingSend(s.versionCh, body)
	case scaredPhase:
		s.reportError(ErrScared)
	default:
		select {
		case s.appCh <- phaseMsg{phase: phase, body: body}:
		default:
			s.reportError(newProtocolError("application message queue overflow"))
		}
	}
}

// markSeen atomically reports whether flag was already true, setting it
// true in the same critical section.
func (s *Session) markSeen(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := *flag
	*flag = true
	return was
}

func (s *Session) reportError(err error) {
	select {
	case s.protoErrs <- err:
	default:
	}
}

func nonBlockingSend(ch chan []byte, v []byte) {
	select {
	case ch <- v:
	default:
	}
}

// scaredPhase is the reserved phase name used to signal tampering detection
// to the peer (spec.md §8 scenario S6: "it sends Scared and closes"). It is
// outside the decimal application-phase namespace so it can never collide
// with a real phase number.
const scaredPhase = "_scared"

// Send encrypts body under the next ascending application phase's
// purpose-scoped key and posts it to the mailbox (spec.md §4.2 "Encrypted
// mailbox messages").
func (s *Session) Send(ctx context.Context, body []byte) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	phase := strconv.Itoa(s.nextSendPhase)
	s.nextSendPhase++
	s.mu.Unlock()

	key, err := s.PurposeKey(wormholecrypto.PhasePurpose(phase))
	if err != nil {
		return err
	}
	sealed, err := wormholecrypto.Seal(key, wormholecrypto.PhasePurpose(phase), body)
	if err != nil {
		return fmt.Errorf("wormhole: sealing phase %s: %w", phase, err)
	}
	return s.client.Add(ctx, phase, sealed)
}

// Receive blocks for the next application phase, enforcing strict ascending
// order (spec.md §5 "Ordering", §8 property 5: "a gap or duplicate is a
// ProtocolError"). A failed MAC check on a phase after the handshake is
// tampering: it is surfaced as ErrScared, and the peer is notified.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}
	select {
	case m := <-s.appCh:
		s.mu.Lock()
		expected := strconv.Itoa(s.nextRecvPhase)
		s.mu.Unlock()
		if m.phase != expected {
			return nil, newProtocolError(fmt.Sprintf("expected phase %s, got %s", expected, m.phase))
		}
		key, err := s.PurposeKey(wormholecrypto.PhasePurpose(m.phase))
		if err != nil {
			return nil, err
		}
		plaintext, err := wormholecrypto.Open(key, wormholecrypto.PhasePurpose(m.phase), m.body)
		if err != nil {
			s.signalScared(ctx)
			return nil, ErrScared
		}
		s.mu.Lock()
		s.nextRecvPhase++
		s.mu.Unlock()
		return plaintext, nil
	case err := <-s.protoErrs:
		return nil, err
	case <-s.client.Done():
		return nil, ErrNoPeer
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// signalScared best-effort notifies the peer that a MAC check failed, then
// closes the mailbox (spec.md §8 S6: "it sends Scared and closes").
func (s *Session) signalScared(ctx context.Context) {
	signalCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.client.Add(signalCtx, scaredPhase, nil)
	if s.mailbox != "" {
		_ = s.client.CloseMailbox(signalCtx, s.mailbox)
	}
}

// Verifier returns the human-comparable fingerprint of the master key
// (spec.md §4.2 "Verifier").
func (s *Session) Verifier() [32]byte { return s.verifier }

// PeerVersion returns the peer's decoded AppVersion, valid once the
// handshake has completed.
func (s *Session) PeerVersion() AppVersion { return s.peerVersion }

// PurposeKey derives a purpose-scoped subkey from this session's master key
// (spec.md §9 "typed purpose keys"), for use by layered protocols (transit,
// transfer) as well as application phases.
func (s *Session) PurposeKey(purpose wormholecrypto.Purpose) (wormholecrypto.PurposeKey, error) {
	return wormholecrypto.DerivePurposeKey(s.masterKey, s.appID, purpose)
}

// Side returns this endpoint's 16-hex-char side identifier.
func (s *Session) Side() string { return s.side }

// Close releases the mailbox and tears down the rendezvous connection. It
// is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	if s.mailbox != "" {
		err = s.client.CloseMailbox(ctx, s.mailbox)
	}
	if cerr := s.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func hexDecode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return wirecodec.HexDecode(s)
}
