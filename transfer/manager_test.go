package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wormhole-go/transit"
	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

func testTransitKeys(t *testing.T) (transit.Keys, transit.Keys) {
	t.Helper()
	master := wormholecrypto.MasterKey{}
	for i := range master {
		master[i] = byte(i + 7)
	}
	senderKey, err := wormholecrypto.DerivePurposeKey(master, "test-app", wormholecrypto.PurposeTransitSender)
	require.NoError(t, err)
	receiverKey, err := wormholecrypto.DerivePurposeKey(master, "test-app", wormholecrypto.PurposeTransitReceiver)
	require.NoError(t, err)
	keys := transit.Keys{Sender: senderKey, Receiver: receiverKey}
	return keys, keys
}

// pipePair stands up two ends of a real transit.Pipe over loopback TCP,
// bypassing hint auto-discovery (which filters loopback addresses) the way
// exchangeHints would in production.
func pipePair(t *testing.T) (sender, receiver *transit.Pipe) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	hint := transit.Hint{Kind: transit.HintDirectTCP, Hostname: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}

	senderKeys, receiverKeys := testTransitKeys(t)

	senderErr := make(chan error, 1)
	go func() {
		p, _, err := transit.Dial(context.Background(), transit.DialOptions{
			Role:     transit.RoleSender,
			Keys:     senderKeys,
			Listener: ln,
		})
		sender = p
		senderErr <- err
	}()

	p, _, err := transit.Dial(context.Background(), transit.DialOptions{
		Role:        transit.RoleReceiver,
		Keys:        receiverKeys,
		DirectHints: []transit.Hint{hint},
	})
	require.NoError(t, err)
	receiver = p

	require.NoError(t, <-senderErr)
	return sender, receiver
}

// TestStreamReceiveBodyRoundTrip exercises spec.md §4.4's body-streaming
// contract directly over a real transit pipe: the receiver's reconstructed
// bytes and digest match what the sender actually sent.
func TestStreamReceiveBodyRoundTrip(t *testing.T) {
	sender, receiver := pipePair(t)
	defer sender.Close()
	defer receiver.Close()

	payload := bytes.Repeat([]byte("magic wormhole transfer payload "), 5000) // > one chunk
	var got bytes.Buffer

	sendErr := make(chan error, 1)
	var sendDigest [32]byte
	go func() {
		d, err := streamBody(sender, bytes.NewReader(payload), int64(len(payload)), nil)
		sendDigest = d
		sendErr <- err
	}()

	recvDigest, err := receiveBody(receiver, &got, int64(len(payload)), nil)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	assert.Equal(t, payload, got.Bytes())
	assert.Equal(t, sha256.Sum256(payload), sendDigest)
	assert.Equal(t, sendDigest, recvDigest)
}

func TestStreamReceiveBodyEmptyPayload(t *testing.T) {
	sender, receiver := pipePair(t)
	defer sender.Close()
	defer receiver.Close()

	sendErr := make(chan error, 1)
	go func() {
		_, err := streamBody(sender, bytes.NewReader(nil), 0, nil)
		sendErr <- err
	}()

	var got bytes.Buffer
	digest, err := receiveBody(receiver, &got, 0, nil)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	assert.Equal(t, sha256.Sum256(nil), digest)
	assert.Empty(t, got.Bytes())
}

// TestReceiveFileBodyRoundTrip checks the success path leaves the completed
// file in place.
func TestReceiveFileBodyRoundTrip(t *testing.T) {
	sender, receiver := pipePair(t)
	defer sender.Close()
	defer receiver.Close()

	payload := bytes.Repeat([]byte("dilated transit payload "), 2000)
	targetPath := filepath.Join(t.TempDir(), "received.bin")

	sendErr := make(chan error, 1)
	go func() {
		_, err := streamBody(sender, bytes.NewReader(payload), int64(len(payload)), nil)
		sendErr <- err
	}()

	digest, err := receiveFileBody(receiver, targetPath, false, int64(len(payload)), nil)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	assert.Equal(t, sha256.Sum256(payload), digest)

	got, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// TestReceiveFileBodyRemovesPartialFileOnStreamFailure exercises spec.md §5
// scenario S5: if the sender's side of the pipe dies mid-stream (simulating
// a TCP partition), receiveFileBody must not leave a truncated file behind.
func TestReceiveFileBodyRemovesPartialFileOnStreamFailure(t *testing.T) {
	sender, receiver := pipePair(t)
	defer receiver.Close()

	targetPath := filepath.Join(t.TempDir(), "received.bin")

	// Advertise a body larger than what will ever arrive, then close the
	// sender's end after a single short record so receiveBody's ReadRecord
	// call fails instead of completing.
	declaredSize := int64(10 * 1024 * 1024)
	require.NoError(t, sender.WriteRecord([]byte("only a little data")))
	require.NoError(t, sender.Close())

	_, err := receiveFileBody(receiver, targetPath, false, declaredSize, nil)
	require.Error(t, err)

	_, statErr := os.Stat(targetPath)
	assert.True(t, os.IsNotExist(statErr), "partially written file should have been removed, stat error: %v", statErr)
}

func TestPackUnpackDirectoryRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("world"), 0o644))

	spool, numFiles, err := packDirectory(src)
	require.NoError(t, err)
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	assert.Equal(t, int64(2), numFiles)

	dest := t.TempDir()
	require.NoError(t, unpackDirectory(spool, dest))

	a, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(a))

	b, err := os.ReadFile(filepath.Join(dest, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(b))
}

func TestAnchoredPathRejectsTraversal(t *testing.T) {
	_, err := anchoredPath("/tmp/dest", "../../etc/passwd")
	require.Error(t, err)
}

func TestAnchoredPathAllowsNestedEntries(t *testing.T) {
	got, err := anchoredPath("/tmp/dest", "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/dest", "a", "b", "c.txt"), got)
}

func TestOfferMessageDestination(t *testing.T) {
	fileOffer := offerMessage{File: &FileOffer{Name: "x.bin", Size: 42}}
	name, size, dir := fileOffer.destination()
	assert.Equal(t, "x.bin", name)
	assert.Equal(t, int64(42), size)
	assert.False(t, dir)

	dirOffer := offerMessage{Directory: &DirectoryOffer{Name: "stuff", NumBytes: 100}}
	name, size, dir = dirOffer.destination()
	assert.Equal(t, "stuff", name)
	assert.Equal(t, int64(100), size)
	assert.True(t, dir)
}
