package forward

import (
	"encoding/binary"
	"fmt"
)

// Kind discriminates a multiplexed frame's purpose (spec.md §4.4
// "{stream_id, kind∈{open,data,close}, payload}").
type Kind uint8

const (
	KindOpen Kind = iota
	KindData
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindData:
		return "data"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one multiplexed record: a 4-byte big-endian stream id, a 1-byte
// kind, and an arbitrary payload (only meaningful for KindOpen/KindData).
// Each Frame is carried as exactly one transit record.
type Frame struct {
	StreamID uint32
	Kind     Kind
	Payload  []byte
}

const frameHeaderSize = 5

// EncodeFrame serializes f into a single transit record.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamID)
	buf[4] = byte(f.Kind)
	copy(buf[frameHeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses a single transit record produced by EncodeFrame.
func DecodeFrame(record []byte) (Frame, error) {
	if len(record) < frameHeaderSize {
		return Frame{}, fmt.Errorf("forward: frame shorter than header (%d bytes)", len(record))
	}
	f := Frame{
		StreamID: binary.BigEndian.Uint32(record[0:4]),
		Kind:     Kind(record[4]),
	}
	if len(record) > frameHeaderSize {
		f.Payload = append([]byte(nil), record[frameHeaderSize:]...)
	}
	return f, nil
}
