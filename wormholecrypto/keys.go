package wormholecrypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKey is the 32-byte secret derived once per session from the SPAKE2
// exchange. It is never transmitted and is only ever used to derive
// PurposeKeys.
type MasterKey [32]byte

// DeriveMasterKey hashes the raw SPAKE2 shared secret down to the 32-byte
// master key (spec.md §4.2 "finish SPAKE2 → derive MasterKey").
func DeriveMasterKey(spakeSecret []byte) MasterKey {
	return MasterKey(sha256.Sum256(spakeSecret))
}

// Purpose labels a PurposeKey so that a key derived for one purpose can
// never be silently used for another: every Seal/Open call must name the
// purpose it expects, and a mismatch is rejected before any cryptographic
// operation runs (spec.md §9 "typed purpose keys").
type Purpose string

const (
	PurposeVersion         Purpose = "version"
	PurposeTransitSender   Purpose = "transit_sender"
	PurposeTransitReceiver Purpose = "transit_receiver"
)

// PhasePurpose builds the purpose label for an application mailbox phase,
// e.g. PhasePurpose("0") -> "phase:0".
func PhasePurpose(phase string) Purpose {
	return Purpose("phase:" + phase)
}

// PurposeKey is a 32-byte key tagged with the purpose it was derived for.
// The zero value is not a valid key.
type PurposeKey struct {
	purpose Purpose
	key     [32]byte
}

// Purpose returns the label this key was derived for.
func (k PurposeKey) Purpose() Purpose { return k.purpose }

// Bytes exposes the raw key material for consumers (e.g. the transit record
// pipe) that need to feed it to a cipher directly. Callers must still check
// Purpose() themselves if they accept a PurposeKey from outside this
// package's Seal/Open helpers.
func (k PurposeKey) Bytes() [32]byte { return k.key }

// DerivePurposeKey computes purpose_key(p) = HKDF(MasterKey, salt=nil,
// info="wormhole:<appID>:"+p, len=32) as specified in spec.md §4.2.
func DerivePurposeKey(master MasterKey, appID string, purpose Purpose) (PurposeKey, error) {
	info := []byte("wormhole:" + appID + ":" + string(purpose))
	r := hkdf.New(sha256.New, master[:], nil, info)
	var out PurposeKey
	out.purpose = purpose
	if _, err := io.ReadFull(r, out.key[:]); err != nil {
		return PurposeKey{}, fmt.Errorf("wormholecrypto: deriving purpose key %q: %w", purpose, err)
	}
	return out, nil
}

// Verifier computes SHA256("wormhole:verifier" || MasterKey), a short
// fingerprint suitable for out-of-band comparison (spec.md §4.2).
func Verifier(master MasterKey) [32]byte {
	h := sha256.New()
	h.Write([]byte("wormhole:verifier"))
	h.Write(master[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
