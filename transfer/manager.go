package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/transit"
	"github.com/opd-ai/wormhole-go/wormhole"
	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

// chunkSize bounds a single transit record's plaintext payload while
// streaming a transfer body.
const chunkSize = 64 * 1024

// TransitOptions configures hint gathering and the dial race, passed
// through to transit.Gather/transit.Dial.
type TransitOptions struct {
	ListenPort       int
	ForceDirect      bool
	ForceRelay       bool
	Relays           []transit.Hint
	STUNServer       string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Listener, if set, is raced alongside outbound dials so an inbound
	// connection from the peer can also win (spec.md §4.3 asymmetric NAT).
	Listener net.Listener
}

// SendOptions configures Send.
type SendOptions struct {
	Transit    TransitOptions
	OnProgress func(sent, total int64)
}

// ReceiveOptions configures Receive.
type ReceiveOptions struct {
	Transit        TransitOptions
	AllowOverwrite bool
	OnProgress     func(received, total int64)
}

// Send offers path (a file or a directory) to the peer over sess, streaming
// it via a transit pipe once the peer accepts (spec.md §4.4).
func Send(ctx context.Context, sess *wormhole.Session, path string, opts SendOptions) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{"package": "transfer", "function": "Send", "path": path})

	info, err := os.Stat(path)
	if err != nil {
		return nil, &PathError{Op: "stat", Path: path, Err: err}
	}

	peerHints, err := exchangeHints(ctx, sess, opts.Transit)
	if err != nil {
		return nil, err
	}

	var body *os.File
	var size int64
	var numFiles int64
	var directory bool
	name := filepath.Base(filepath.Clean(path))

	if info.IsDir() {
		directory = true
		body, numFiles, err = packDirectory(path)
		if err != nil {
			return nil, err
		}
		defer func() {
			body.Close()
			os.Remove(body.Name())
		}()
		stat, err := body.Stat()
		if err != nil {
			return nil, fmt.Errorf("transfer: stat archive spool: %w", err)
		}
		size = stat.Size()
	} else {
		body, err = os.Open(path)
		if err != nil {
			return nil, &PathError{Op: "open", Path: path, Err: err}
		}
		defer body.Close()
		size = info.Size()
	}

	offer := offerMessage{}
	if directory {
		offer.Directory = &DirectoryOffer{Name: name, NumBytes: size, NumFiles: numFiles}
	} else {
		offer.File = &FileOffer{Name: name, Size: size}
	}
	if err := sendJSON(ctx, sess, offer); err != nil {
		return nil, fmt.Errorf("transfer: sending offer: %w", err)
	}

	var answer answerMessage
	if err := receiveJSON(ctx, sess, &answer); err != nil {
		return nil, fmt.Errorf("transfer: awaiting answer: %w", err)
	}
	if answer.FileAck != "ok" {
		return nil, fmt.Errorf("%w: %s", ErrOfferRejected, answer.Error)
	}

	keys, err := sessionTransitKeys(sess)
	if err != nil {
		return nil, err
	}
	pipe, connType, err := transit.Dial(ctx, transit.DialOptions{
		Role:             transit.RoleSender,
		Keys:             keys,
		DirectHints:      peerHints.Direct,
		RelayHints:       peerHints.Relays,
		DialTimeout:      opts.Transit.DialTimeout,
		HandshakeTimeout: opts.Transit.HandshakeTimeout,
		Listener:         opts.Transit.Listener,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: establishing transit connection: %w", err)
	}
	defer pipe.Close()
	log.WithField("connection_type", connType.String()).Info("transit connection established")

	digest, err := streamBody(pipe, body, size, opts.OnProgress)
	if err != nil {
		return nil, err
	}

	var ack ackRecord
	ackBytes, err := pipe.ReadRecord()
	if err != nil {
		return nil, fmt.Errorf("transfer: awaiting integrity ack: %w", err)
	}
	if err := json.Unmarshal(ackBytes, &ack); err != nil {
		return nil, fmt.Errorf("transfer: decoding integrity ack: %w", err)
	}
	if ack.SHA256 != hex.EncodeToString(digest[:]) {
		return nil, ErrIntegrity
	}

	return &Result{Name: name, Size: size, Directory: directory, ConnectionType: connType, SHA256: digest}, nil
}

// Receive accepts an offer from the peer over sess, writing the payload
// under destDir (spec.md §4.4).
func Receive(ctx context.Context, sess *wormhole.Session, destDir string, opts ReceiveOptions) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{"package": "transfer", "function": "Receive", "dest": destDir})

	peerHints, err := exchangeHints(ctx, sess, opts.Transit)
	if err != nil {
		return nil, err
	}

	var offer offerMessage
	if err := receiveJSON(ctx, sess, &offer); err != nil {
		return nil, fmt.Errorf("transfer: awaiting offer: %w", err)
	}

	name, size, directory := offer.destination()
	if name == "" {
		answerErr := answerMessage{Error: "empty offer"}
		_ = sendJSON(ctx, sess, answerErr)
		return nil, fmt.Errorf("transfer: received empty offer")
	}

	targetPath := filepath.Join(destDir, filepath.Base(name))
	if !opts.AllowOverwrite {
		if _, statErr := os.Stat(targetPath); statErr == nil {
			_ = sendJSON(ctx, sess, answerMessage{Error: "refusing to overwrite existing path"})
			return nil, fmt.Errorf("%w: %s", ErrOverwriteRefused, targetPath)
		}
	}

	if err := sendJSON(ctx, sess, answerMessage{FileAck: "ok"}); err != nil {
		return nil, fmt.Errorf("transfer: sending answer: %w", err)
	}

	keys, err := sessionTransitKeys(sess)
	if err != nil {
		return nil, err
	}
	pipe, connType, err := transit.Dial(ctx, transit.DialOptions{
		Role:             transit.RoleReceiver,
		Keys:             keys,
		DirectHints:      peerHints.Direct,
		RelayHints:       peerHints.Relays,
		DialTimeout:      opts.Transit.DialTimeout,
		HandshakeTimeout: opts.Transit.HandshakeTimeout,
		Listener:         opts.Transit.Listener,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: establishing transit connection: %w", err)
	}
	defer pipe.Close()
	log.WithField("connection_type", connType.String()).Info("transit connection established")

	if !directory {
		digest, err := receiveFileBody(pipe, targetPath, opts.AllowOverwrite, size, opts.OnProgress)
		if err != nil {
			return nil, err
		}
		return &Result{Name: name, Size: size, Directory: false, ConnectionType: connType, SHA256: digest}, nil
	}

	spool, writeErr := os.CreateTemp("", "wormhole-transfer-*.tar.gz")
	if writeErr != nil {
		return nil, fmt.Errorf("transfer: creating archive spool: %w", writeErr)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	digest, err := receiveBody(pipe, spool, size, opts.OnProgress)
	if err != nil {
		return nil, err
	}

	ack, err := json.Marshal(ackRecord{SHA256: hex.EncodeToString(digest[:])})
	if err != nil {
		return nil, fmt.Errorf("transfer: encoding integrity ack: %w", err)
	}
	if err := pipe.WriteRecord(ack); err != nil {
		return nil, fmt.Errorf("transfer: sending integrity ack: %w", err)
	}

	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return nil, &PathError{Op: "creating directory", Path: targetPath, Err: err}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("transfer: rewinding archive spool: %w", err)
	}
	if err := unpackDirectory(spool, targetPath); err != nil {
		return nil, err
	}

	return &Result{Name: name, Size: size, Directory: directory, ConnectionType: connType, SHA256: digest}, nil
}

func (m offerMessage) destination() (name string, size int64, directory bool) {
	switch {
	case m.File != nil:
		return m.File.Name, m.File.Size, false
	case m.Directory != nil:
		return m.Directory.Name, m.Directory.NumBytes, true
	default:
		return "", 0, false
	}
}

// exchangeHints posts this side's gathered transit.HintSet as the first
// phase in both directions and waits for the peer's.
func exchangeHints(ctx context.Context, sess *wormhole.Session, topts TransitOptions) (transit.HintSet, error) {
	hs := transit.Gather(ctx, transit.GatherOptions{
		ListenPort:  topts.ListenPort,
		ForceDirect: topts.ForceDirect,
		ForceRelay:  topts.ForceRelay,
		Relays:      topts.Relays,
		STUNServer:  topts.STUNServer,
	})
	if err := sendJSON(ctx, sess, hs); err != nil {
		return transit.HintSet{}, fmt.Errorf("transfer: sending transit hints: %w", err)
	}
	var peerHints transit.HintSet
	if err := receiveJSON(ctx, sess, &peerHints); err != nil {
		return transit.HintSet{}, fmt.Errorf("transfer: awaiting peer transit hints: %w", err)
	}
	return peerHints, nil
}

// sessionTransitKeys derives the pair of transit subkeys both sides compute
// identically from the session's shared master key (spec.md §4.3 "Key
// derivation"); Dial picks sender/receiver role-appropriate halves itself.
func sessionTransitKeys(sess *wormhole.Session) (transit.Keys, error) {
	senderKey, err := sess.PurposeKey(wormholecrypto.PurposeTransitSender)
	if err != nil {
		return transit.Keys{}, fmt.Errorf("transfer: deriving transit sender key: %w", err)
	}
	receiverKey, err := sess.PurposeKey(wormholecrypto.PurposeTransitReceiver)
	if err != nil {
		return transit.Keys{}, fmt.Errorf("transfer: deriving transit receiver key: %w", err)
	}
	return transit.Keys{Sender: senderKey, Receiver: receiverKey}, nil
}

func sendJSON(ctx context.Context, sess *wormhole.Session, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sess.Send(ctx, body)
}

func receiveJSON(ctx context.Context, sess *wormhole.Session, v any) error {
	body, err := sess.Receive(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// streamBody reads exactly size bytes from r, writing each chunk as one
// transit record, and returns the running sha256 digest.
func streamBody(pipe *transit.Pipe, r io.Reader, size int64, onProgress func(sent, total int64)) ([32]byte, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var sent int64
	for sent < size {
		want := int64(len(buf))
		if remaining := size - sent; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return [32]byte{}, fmt.Errorf("transfer: reading body: %w", err)
		}
		if err := pipe.WriteRecord(buf[:n]); err != nil {
			return [32]byte{}, fmt.Errorf("transfer: writing transit record: %w", err)
		}
		h.Write(buf[:n])
		sent += int64(n)
		if onProgress != nil {
			onProgress(sent, size)
		}
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// receiveBody reads records from pipe until size bytes have been written to
// w, returning the running sha256 digest.
func receiveBody(pipe *transit.Pipe, w io.Writer, size int64, onProgress func(received, total int64)) ([32]byte, error) {
	h := sha256.New()
	var received int64
	for received < size {
		record, err := pipe.ReadRecord()
		if err != nil {
			return [32]byte{}, fmt.Errorf("transfer: reading transit record: %w", err)
		}
		if _, err := w.Write(record); err != nil {
			return [32]byte{}, fmt.Errorf("transfer: writing body: %w", err)
		}
		h.Write(record)
		received += int64(len(record))
		if onProgress != nil {
			onProgress(received, size)
		}
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// receiveFileBody opens targetPath and writes pipe's body directly to it,
// removing the file again if anything fails before the integrity ack has
// been sent (spec.md §5 scenario S5: a mid-stream TCP partition must
// not leave a truncated file behind).
func receiveFileBody(pipe *transit.Pipe, targetPath string, allowOverwrite bool, size int64, onProgress func(received, total int64)) ([32]byte, error) {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return [32]byte{}, &PathError{Op: "creating directory", Path: filepath.Dir(targetPath), Err: err}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !allowOverwrite {
		flags |= os.O_EXCL
	}
	spool, err := os.OpenFile(targetPath, flags, 0o644)
	if err != nil {
		return [32]byte{}, &PathError{Op: "creating file", Path: targetPath, Err: err}
	}
	complete := false
	defer func() {
		spool.Close()
		if !complete {
			os.Remove(targetPath)
		}
	}()

	digest, err := receiveBody(pipe, spool, size, onProgress)
	if err != nil {
		return [32]byte{}, err
	}

	ack, err := json.Marshal(ackRecord{SHA256: hex.EncodeToString(digest[:])})
	if err != nil {
		return [32]byte{}, fmt.Errorf("transfer: encoding integrity ack: %w", err)
	}
	if err := pipe.WriteRecord(ack); err != nil {
		return [32]byte{}, fmt.Errorf("transfer: sending integrity ack: %w", err)
	}
	complete = true
	return digest, nil
}
