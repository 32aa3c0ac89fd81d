package wormholecrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurposeKeysAreDistinctAndNonInterchangeable(t *testing.T) {
	master := DeriveMasterKey([]byte("shared spake secret"))

	kVersion, err := DerivePurposeKey(master, "transfer", PurposeVersion)
	require.NoError(t, err)
	kSender, err := DerivePurposeKey(master, "transfer", PurposeTransitSender)
	require.NoError(t, err)

	assert.NotEqual(t, kVersion.Bytes(), kSender.Bytes())

	sealed, err := Seal(kVersion, PurposeVersion, []byte("hello"))
	require.NoError(t, err)

	_, err = Open(kSender, PurposeTransitSender, sealed)
	assert.Error(t, err, "sealing under one purpose key must not open under another")
}

func TestSealRejectsMismatchedPurposeArgument(t *testing.T) {
	master := DeriveMasterKey([]byte("secret"))
	k, err := DerivePurposeKey(master, "transfer", PurposeVersion)
	require.NoError(t, err)

	_, err = Seal(k, PurposeTransitSender, []byte("payload"))
	assert.ErrorIs(t, err, ErrPurposeMismatch)
}

func TestSealOpenRoundTrip(t *testing.T) {
	master := DeriveMasterKey([]byte("secret"))
	k, err := DerivePurposeKey(master, "transfer", PurposeVersion)
	require.NoError(t, err)

	plaintext := []byte(`{"abilities":["direct-tcp-v1"]}`)
	sealed, err := Seal(k, PurposeVersion, plaintext)
	require.NoError(t, err)

	opened, err := Open(k, PurposeVersion, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestVerifierMatchesForSameMasterKey(t *testing.T) {
	master := DeriveMasterKey([]byte("identical secret"))
	v1 := Verifier(master)
	v2 := Verifier(master)
	assert.Equal(t, v1, v2)
}

func TestVerifierDiffersForDifferentMasterKeys(t *testing.T) {
	v1 := Verifier(DeriveMasterKey([]byte("secret a")))
	v2 := Verifier(DeriveMasterKey([]byte("secret b")))
	assert.NotEqual(t, v1, v2)
}
