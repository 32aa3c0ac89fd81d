package wormholecrypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrPurposeMismatch is returned when a PurposeKey is used for a purpose
// other than the one it was derived for (spec.md §9 "typed purpose keys").
var ErrPurposeMismatch = errors.New("wormholecrypto: key purpose mismatch")

// ErrDecryptFailed indicates the MAC check failed: either the wrong key was
// used (spec.md "WrongCode") or the ciphertext was tampered with (spec.md
// "Scared"). Callers distinguish the two by context (first phase vs. later).
var ErrDecryptFailed = errors.New("wormholecrypto: decryption failed")

const nonceSize = 24

// Seal authenticates and encrypts plaintext under key, which must have been
// derived for exactly purpose. The output is nonce(24) || ciphertext, the
// wire format spec.md §4.2/§4.3 use for both encrypted mailbox messages and
// transit records.
func Seal(key PurposeKey, purpose Purpose, plaintext []byte) ([]byte, error) {
	if key.purpose != purpose {
		return nil, ErrPurposeMismatch
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("wormholecrypto: generating nonce: %w", err)
	}
	k := key.key
	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &k)
	return out, nil
}

// Open verifies and decrypts a nonce(24)||ciphertext record produced by
// Seal. key must have been derived for exactly purpose.
func Open(key PurposeKey, purpose Purpose, record []byte) ([]byte, error) {
	if key.purpose != purpose {
		return nil, ErrPurposeMismatch
	}
	if len(record) < nonceSize {
		return nil, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], record[:nonceSize])
	k := key.key
	plaintext, ok := secretbox.Open(nil, record[nonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SealAt and OpenAt support the transit record pipe's deterministic,
// monotonically increasing nonces (spec.md §4.3), rather than the random
// nonces used by the encrypted mailbox channel.

// SealAt encrypts plaintext under key (which must match purpose) using the
// caller-supplied 24-byte nonce, returning ciphertext only (no nonce
// prefix); the transit record pipe writes the nonce itself ahead of the
// ciphertext.
func SealAt(key PurposeKey, purpose Purpose, nonce [nonceSize]byte, plaintext []byte) ([]byte, error) {
	if key.purpose != purpose {
		return nil, ErrPurposeMismatch
	}
	k := key.key
	return secretbox.Seal(nil, plaintext, &nonce, &k), nil
}

// OpenAt decrypts ciphertext (no nonce prefix) under key and the given
// nonce.
func OpenAt(key PurposeKey, purpose Purpose, nonce [nonceSize]byte, ciphertext []byte) ([]byte, error) {
	if key.purpose != purpose {
		return nil, ErrPurposeMismatch
	}
	k := key.key
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &k)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
