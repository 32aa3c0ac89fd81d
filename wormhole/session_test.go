package wormhole

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wormhole-go/config"
)

func TestParseCodeRoundTrip(t *testing.T) {
	code, err := ParseCode("7-purple-sausalito")
	require.NoError(t, err)
	assert.Equal(t, "7", code.Nameplate)
	assert.Equal(t, "purple-sausalito", code.Password)
	assert.Equal(t, "7-purple-sausalito", code.String())
}

func TestParseCodeRejectsNonIntegerNameplate(t *testing.T) {
	_, err := ParseCode("seven-purple-sausalito")
	require.Error(t, err)
	var cerr *CodeError
	require.ErrorAs(t, err, &cerr)
}

func TestParseCodeRejectsMissingPassword(t *testing.T) {
	_, err := ParseCode("7")
	require.Error(t, err)
	_, err = ParseCode("7-")
	require.Error(t, err)
}

func TestGeneratePasswordWordCount(t *testing.T) {
	pw, err := generatePassword(3)
	require.NoError(t, err)
	words := splitWords(pw)
	assert.Len(t, words, 3)
}

func TestGeneratePasswordDefaultsWhenZero(t *testing.T) {
	pw, err := generatePassword(0)
	require.NoError(t, err)
	assert.Len(t, splitWords(pw), 2)
}

func splitWords(s string) []string {
	var words []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '-' {
			words = append(words, s[start:i])
			start = i + 1
		}
	}
	return words
}

func TestURIRoundTrip(t *testing.T) {
	u := URI{Code: Code{Nameplate: "7", Password: "purple-sausalito"}, RendezvousURL: "wss://example.test/v1"}
	s := u.String()

	parsed, err := ParseURI(s)
	require.NoError(t, err)
	assert.Equal(t, u.Code, parsed.Code)
	assert.Equal(t, u.RendezvousURL, parsed.RendezvousURL)
}

func TestParseURIRejectsWrongScheme(t *testing.T) {
	_, err := ParseURI("https://example.test/7-purple-sausalito")
	require.Error(t, err)
}

func TestOptionsWebSocketIdleTimeoutDefaultsToConfig(t *testing.T) {
	var o Options
	assert.Equal(t, config.New().WebSocketIdleTimeout, o.webSocketIdleTimeout())

	o.WebSocketIdleTimeout = 5 * time.Second
	assert.Equal(t, 5*time.Second, o.webSocketIdleTimeout())
}

func TestRandomSideIsSixteenHexChars(t *testing.T) {
	side, err := randomSide()
	require.NoError(t, err)
	assert.Len(t, side, 16)
	for _, c := range side {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
	}
}
