package spake2

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/sirupsen/logrus"
)

// ErrInvalidPoint is returned when a peer's share does not decode to a valid
// point on the curve, or decodes to the identity element (which would leak
// the shared secret).
var ErrInvalidPoint = errors.New("spake2: invalid peer share")

// ErrAlreadyStarted is returned by Start if called more than once.
var ErrAlreadyStarted = errors.New("spake2: already started")

// ErrNotStarted is returned by Finish if Start has not been called.
var ErrNotStarted = errors.New("spake2: not started")

// ErrAlreadyFinished is returned by Finish if called more than once.
var ErrAlreadyFinished = errors.New("spake2: already finished")

// blindingConstant is the shared "M=N" point used by both sides of the
// symmetric variant. It is generated deterministically from a fixed
// nothing-up-my-sleeve label so that every implementation of this protocol
// derives the identical constant without needing to ship curve parameters
// out of band.
var blindingConstant = mustDeriveConstant("magic-wormhole-go SPAKE2 symmetric blinding point")

func mustDeriveConstant(label string) *edwards25519.Point {
	h := sha512.Sum512([]byte(label))
	s, err := edwards25519.NewScalar().SetUniformBytes(h[:])
	if err != nil {
		panic(fmt.Sprintf("spake2: deriving blinding constant: %v", err))
	}
	return edwards25519.NewIdentityPoint().ScalarBaseMult(s)
}

// State is one side's in-progress or completed SPAKE2 exchange. It is not
// safe for concurrent use.
type State struct {
	password []byte // appid ":" code_password, consumed once by Start

	started  bool
	finished bool

	x       *edwards25519.Scalar // our ephemeral secret
	w       *edwards25519.Scalar // password scalar
	ourX    *edwards25519.Point  // our outgoing share
	ourXRaw []byte

	sharedSecret []byte // set once Finish succeeds
}

// New creates a SPAKE2 state for one side of the exchange. password should
// be appid + ":" + the human-entered code password (spec.md §9 "SPAKE2
// group").
func New(password []byte) *State {
	return &State{password: append([]byte(nil), password...)}
}

// passwordScalar derives a scalar from the shared password via a wide hash
// reduced modulo the group order, so that no password is ever weak enough to
// land on a small subgroup or the identity.
func passwordScalar(password []byte) (*edwards25519.Scalar, error) {
	h := sha512.Sum512(append([]byte("magic-wormhole-go SPAKE2 password scalar:"), password...))
	return edwards25519.NewScalar().SetUniformBytes(h[:])
}

// Start generates our ephemeral share and returns the 32 bytes to send to
// the peer as the `pake` mailbox phase body.
func (s *State) Start() ([]byte, error) {
	log := logrus.WithFields(logrus.Fields{"package": "spake2", "function": "Start"})
	if s.started {
		return nil, ErrAlreadyStarted
	}
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("spake2: generating ephemeral scalar: %w", err)
	}
	x, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return nil, fmt.Errorf("spake2: reducing ephemeral scalar: %w", err)
	}
	w, err := passwordScalar(s.password)
	if err != nil {
		return nil, fmt.Errorf("spake2: deriving password scalar: %w", err)
	}

	xG := edwards25519.NewIdentityPoint().ScalarBaseMult(x)
	wS := edwards25519.NewIdentityPoint().ScalarMult(w, blindingConstant)
	ourX := edwards25519.NewIdentityPoint().Add(xG, wS)

	s.x = x
	s.w = w
	s.ourX = ourX
	s.ourXRaw = ourX.Bytes()
	s.started = true

	log.Debug("generated ephemeral share")
	return append([]byte(nil), s.ourXRaw...), nil
}

// Finish consumes the peer's 32-byte share and derives the raw shared
// secret. It does not itself reveal whether the password matched: a wrong
// password yields a well-formed but different secret, indistinguishable
// from the correct one until the first encrypted message fails to decrypt
// (spec.md §4.2 "WrongCode").
func (s *State) Finish(peerShare []byte) ([]byte, error) {
	log := logrus.WithFields(logrus.Fields{"package": "spake2", "function": "Finish"})
	if !s.started {
		return nil, ErrNotStarted
	}
	if s.finished {
		return nil, ErrAlreadyFinished
	}
	peerY, err := edwards25519.NewIdentityPoint().SetBytes(peerShare)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	if peerY.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, ErrInvalidPoint
	}

	wS := edwards25519.NewIdentityPoint().ScalarMult(s.w, blindingConstant)
	unblinded := edwards25519.NewIdentityPoint().Subtract(peerY, wS)
	k := edwards25519.NewIdentityPoint().ScalarMult(s.x, unblinded)

	// Bind the transcript (both shares and the DH result) into the secret so
	// a transcript substitution cannot produce the same output. The two
	// shares are ordered lexicographically rather than by role so that both
	// sides of the symmetric (M=N) exchange compute an identical transcript.
	first, second := s.ourXRaw, peerShare
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}
	transcript := sha512.New()
	transcript.Write(first)
	transcript.Write(second)
	transcript.Write(k.Bytes())
	secret := transcript.Sum(nil)

	s.sharedSecret = secret
	s.finished = true
	log.Debug("derived shared secret")
	return append([]byte(nil), secret...), nil
}

// SharedSecret returns the raw secret derived by Finish, or nil if Finish
// has not completed.
func (s *State) SharedSecret() []byte {
	if !s.finished {
		return nil
	}
	return append([]byte(nil), s.sharedSecret...)
}
