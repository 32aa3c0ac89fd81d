package dilation

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/wormhole-go/transit"
	"github.com/opd-ai/wormhole-go/wormhole"
	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

// dilationBasePurpose derives the one stable secret this package mixes
// with the generation counter. Following the PhasePurpose precedent in
// wormholecrypto for constructing ad hoc purpose labels outside the three
// package-level constants.
const dilationBasePurpose wormholecrypto.Purpose = "dilation_base"

// dilationKeyAppID namespaces the second-stage HKDF info string. It does
// not need to match the session's real appID: domain separation from every
// other session already comes from folding in the session's own
// PurposeKey(dilationBasePurpose), which is itself derived from the real
// master key and appID.
const dilationKeyAppID = "wormhole-go/dilation"

// generationTransitKeys derives a fresh, generation-scoped transit key
// pair so that successive generations never reuse a transit.Pipe's nonce
// counter under the same key bytes: each new transit.Pipe starts counting
// at zero (transit/pipe.go), so reusing the session's ordinary
// PurposeTransitSender/PurposeTransitReceiver keys across generations
// would mean re-encrypting from nonce zero under identical key material on
// every reconnect. The session's dilation base secret is folded with the
// generation number through SHA-256 to produce a per-generation pseudo
// master key, then run back through the normal purpose-key derivation so
// the resulting keys still carry exactly the Purpose tag transit.Pipe
// requires.
func generationTransitKeys(sess *wormhole.Session, generation uint64) (transit.Keys, error) {
	base, err := sess.PurposeKey(dilationBasePurpose)
	if err != nil {
		return transit.Keys{}, fmt.Errorf("dilation: deriving base secret: %w", err)
	}
	rawBase := base.Bytes()

	h := sha256.New()
	h.Write(rawBase[:])
	var genBuf [8]byte
	binary.BigEndian.PutUint64(genBuf[:], generation)
	h.Write(genBuf[:])
	var genMaster wormholecrypto.MasterKey
	copy(genMaster[:], h.Sum(nil))

	senderKey, err := wormholecrypto.DerivePurposeKey(genMaster, dilationKeyAppID, wormholecrypto.PurposeTransitSender)
	if err != nil {
		return transit.Keys{}, fmt.Errorf("dilation: deriving generation %d sender key: %w", generation, err)
	}
	receiverKey, err := wormholecrypto.DerivePurposeKey(genMaster, dilationKeyAppID, wormholecrypto.PurposeTransitReceiver)
	if err != nil {
		return transit.Keys{}, fmt.Errorf("dilation: deriving generation %d receiver key: %w", generation, err)
	}
	return transit.Keys{Sender: senderKey, Receiver: receiverKey}, nil
}
