package transfer

import "github.com/opd-ai/wormhole-go/transit"

// AppID is the well-known application id for file-transfer sessions, so two
// hosts using this package's defaults land in the same rendezvous namespace
// (spec.md §3 "AppId").
const AppID = "lothar.com/wormhole/text-or-file-xfer"

// FileOffer describes a single-file offer.
type FileOffer struct {
	Name string `json:"filename"`
	Size int64  `json:"filesize"`
}

// DirectoryOffer describes a directory offer. The wire payload is always a
// tar+gzip stream of NumBytes compressed bytes; NumFiles is informational
// only.
type DirectoryOffer struct {
	Name     string `json:"dirname"`
	NumBytes int64  `json:"numBytes"`
	NumFiles int64  `json:"numFiles"`
}

// offerMessage is the phase body a sender posts after hint exchange.
// Exactly one of File or Directory is set.
type offerMessage struct {
	File      *FileOffer      `json:"file,omitempty"`
	Directory *DirectoryOffer `json:"directory,omitempty"`
}

// answerMessage is the receiver's reply: FileAck == "ok" on acceptance,
// Error set (and FileAck empty) on rejection.
type answerMessage struct {
	FileAck string `json:"file_ack,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ackRecord is the final record written over the transit pipe by the
// receiver once it has the whole payload, carrying the digest it computed
// over it; the sender compares that digest with its own (spec.md §4.4 "a
// final ack{sha256} record").
type ackRecord struct {
	SHA256 string `json:"sha256"`
}

// Result reports the outcome of a completed transfer, on both the sending
// and receiving side.
type Result struct {
	Name           string
	Size           int64
	Directory      bool
	ConnectionType transit.ConnectionType
	SHA256         [32]byte
}
