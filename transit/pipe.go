package transit

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/opd-ai/wormhole-go/wirecodec"
	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

// Pipe is an established, authenticated transit connection. Records are
// u32_be(length) || nonce(24) || ciphertext, with nonces starting at 0 and
// incrementing by 1 per record per direction (spec.md §4.3 "Record pipe",
// §8 property 6).
type Pipe struct {
	conn net.Conn
	role Role

	sendKey wormholecrypto.PurposeKey
	recvKey wormholecrypto.PurposeKey

	writeMu    sync.Mutex
	sendNonce  uint64
	readMu     sync.Mutex
	expectNext uint64
}

func newPipe(conn net.Conn, sendKey, recvKey wormholecrypto.PurposeKey, role Role) *Pipe {
	return &Pipe{conn: conn, role: role, sendKey: sendKey, recvKey: recvKey}
}

// sendPurpose/recvPurpose resolve which PurposeKey.Purpose() this pipe's
// keys must carry, matching the role that derived them.
func (p *Pipe) sendPurpose() wormholecrypto.Purpose {
	if p.role == RoleSender {
		return wormholecrypto.PurposeTransitSender
	}
	return wormholecrypto.PurposeTransitReceiver
}

func (p *Pipe) recvPurpose() wormholecrypto.Purpose {
	if p.role == RoleSender {
		return wormholecrypto.PurposeTransitReceiver
	}
	return wormholecrypto.PurposeTransitSender
}

// nonceBytes renders a counter as the big-endian, zero-padded 24-byte nonce
// spec.md §4.3 specifies.
func nonceBytes(counter uint64) [24]byte {
	var n [24]byte
	binary.BigEndian.PutUint64(n[16:], counter)
	return n
}

// WriteRecord encrypts and frames a single record (spec.md §8 property 6:
// "decode(encode(m)) over the record pipe yields m").
func (p *Pipe) WriteRecord(plaintext []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	nonce := nonceBytes(p.sendNonce)
	ciphertext, err := wormholecrypto.SealAt(p.sendKey, p.sendPurpose(), nonce, plaintext)
	if err != nil {
		return newError(KindIO, err)
	}
	payload := append(nonce[:], ciphertext...)
	if err := wirecodec.WriteRecord(p.conn, payload); err != nil {
		return newError(KindIO, err)
	}
	p.sendNonce++
	return nil
}

// ReadRecord reads and decrypts a single record, enforcing strict nonce
// monotonicity (spec.md §3 invariant, §8 property 4).
func (p *Pipe) ReadRecord() ([]byte, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	payload, err := wirecodec.ReadRecord(p.conn)
	if err != nil {
		return nil, newError(KindIO, err)
	}
	if len(payload) < 24 {
		return nil, newError(KindIO, fmt.Errorf("transit: record shorter than nonce"))
	}
	var nonce [24]byte
	copy(nonce[:], payload[:24])
	got := binary.BigEndian.Uint64(nonce[16:])

	if got != p.expectNext {
		p.conn.Close()
		return nil, newError(KindNonce, fmt.Errorf("transit: got nonce %d, expected %d", got, p.expectNext))
	}

	plaintext, err := wormholecrypto.OpenAt(p.recvKey, p.recvPurpose(), nonce, payload[24:])
	if err != nil {
		return nil, newError(KindIO, err)
	}
	p.expectNext++
	return plaintext, nil
}

// Close tears down the underlying connection.
func (p *Pipe) Close() error {
	return p.conn.Close()
}

// LocalAddr and RemoteAddr expose the underlying connection's addresses.
func (p *Pipe) LocalAddr() net.Addr  { return p.conn.LocalAddr() }
func (p *Pipe) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }
