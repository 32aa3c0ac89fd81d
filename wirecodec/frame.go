package wirecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxRecordSize bounds a single transit record (length-prefix payload only,
// not counting the 4-byte length field itself) to prevent a malicious peer
// from forcing unbounded memory allocation.
const MaxRecordSize = 16 * 1024 * 1024

// ErrRecordTooLarge is returned when a peer's declared record length exceeds
// MaxRecordSize.
var ErrRecordTooLarge = errors.New("wirecodec: record exceeds maximum size")

// WriteRecord writes a single u32_be(length) || payload record to w. It is
// used for both the transit record pipe (payload = nonce || ciphertext) and
// any other length-prefixed stream in this module.
func WriteRecord(w io.Writer, payload []byte) error {
	if len(payload) > MaxRecordSize {
		return ErrRecordTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wirecodec: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wirecodec: write payload: %w", err)
	}
	return nil
}

// ReadRecord reads a single u32_be(length) || payload record from r.
func ReadRecord(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wirecodec: read payload: %w", err)
	}
	return payload, nil
}
