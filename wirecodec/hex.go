package wirecodec

import "encoding/hex"

// HexEncode renders bytes as lowercase hex, used for mailbox message bodies
// and displayed keys/verifiers.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode parses lowercase or uppercase hex into bytes.
func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
