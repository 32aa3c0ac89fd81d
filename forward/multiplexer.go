package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/transit"
)

// TargetDialer opens the local endpoint a forwarded stream should be
// relayed to. Only the target-dialing side of a Multiplexer needs one; the
// side that accepts local connections and forwards them passes nil.
type TargetDialer func(ctx context.Context) (net.Conn, error)

const streamBufferSize = 32 * 1024

// stream tracks one logical connection multiplexed over the pipe. once
// guards against sending or acting on more than one Close frame per stream.
type stream struct {
	id     uint32
	conn   net.Conn
	once   sync.Once
	closed chan struct{}
}

func newStream(id uint32, conn net.Conn) *stream {
	return &stream{id: id, conn: conn, closed: make(chan struct{})}
}

// closeLocal closes the underlying conn exactly once and marks the stream
// dead, without sending a Close frame (used when a Close frame just arrived
// from the peer, or when the Multiplexer itself is tearing down).
func (s *stream) closeLocal() {
	s.once.Do(func() {
		s.conn.Close()
		close(s.closed)
	})
}

// Multiplexer carries many logical TCP streams over a single transit.Pipe,
// framing each stream's bytes as {stream_id, kind, payload} records (spec.md
// §4.4 "port-forward application"). The same type serves both roles: the
// side accepting local connections calls Forward per accepted conn; the side
// dialing a fixed target address is constructed with a non-nil TargetDialer
// and reacts to inbound Open frames from Run.
type Multiplexer struct {
	pipe   *transit.Pipe
	dialer TargetDialer
	log    *logrus.Entry

	mu      sync.Mutex
	streams map[uint32]*stream
	nextID  uint32
}

// NewMultiplexer wraps pipe. dialer is nil on the forwarding/client side and
// non-nil on the target-dialing/server side.
func NewMultiplexer(pipe *transit.Pipe, dialer TargetDialer) *Multiplexer {
	return &Multiplexer{
		pipe:    pipe,
		dialer:  dialer,
		log:     logrus.WithField("component", "forward.multiplexer"),
		streams: make(map[uint32]*stream),
	}
}

func (mx *Multiplexer) register(s *stream) {
	mx.mu.Lock()
	mx.streams[s.id] = s
	mx.mu.Unlock()
}

func (mx *Multiplexer) lookup(id uint32) (*stream, bool) {
	mx.mu.Lock()
	s, ok := mx.streams[id]
	mx.mu.Unlock()
	return s, ok
}

func (mx *Multiplexer) deregister(id uint32) {
	mx.mu.Lock()
	delete(mx.streams, id)
	mx.mu.Unlock()
}

// Forward registers conn as a new stream, tells the peer to open a matching
// stream, and pumps bytes conn -> pipe until conn reaches EOF or errors. It
// returns once the open frame is sent; the pump runs in the background and
// the returned streamID identifies it for logging.
func (mx *Multiplexer) Forward(conn net.Conn) (streamID uint32, err error) {
	mx.mu.Lock()
	id := mx.nextID
	mx.nextID++
	mx.mu.Unlock()

	s := newStream(id, conn)
	mx.register(s)

	if err := mx.pipe.WriteRecord(EncodeFrame(Frame{StreamID: id, Kind: KindOpen})); err != nil {
		mx.deregister(id)
		s.closeLocal()
		return 0, &StreamError{StreamID: id, Op: "sending open frame", Err: err}
	}

	go mx.pumpToPipe(s)
	return id, nil
}

// pumpToPipe relays conn's bytes onto the pipe as Data frames until conn
// closes, then sends a Close frame and deregisters the stream.
func (mx *Multiplexer) pumpToPipe(s *stream) {
	buf := make([]byte, streamBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if werr := mx.pipe.WriteRecord(EncodeFrame(Frame{StreamID: s.id, Kind: KindData, Payload: buf[:n]})); werr != nil {
				mx.log.WithError(werr).WithField("stream", s.id).Warn("writing data frame")
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				mx.log.WithError(err).WithField("stream", s.id).Debug("local stream read ended")
			}
			break
		}
	}
	mx.closeStream(s)
}

// closeStream closes conn and tells the peer, if this side hasn't already
// heard a Close for it.
func (mx *Multiplexer) closeStream(s *stream) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.closeLocal()
	mx.deregister(s.id)
	if err := mx.pipe.WriteRecord(EncodeFrame(Frame{StreamID: s.id, Kind: KindClose})); err != nil {
		mx.log.WithError(err).WithField("stream", s.id).Debug("sending close frame")
	}
}

// Run reads frames off the pipe until ctx is cancelled or the pipe errors,
// dispatching each to its stream. It is the single dispatch loop shared by
// both the forwarding and target-dialing roles.
func (mx *Multiplexer) Run(ctx context.Context) error {
	defer mx.closeAll()

	type readResult struct {
		frame Frame
		err   error
	}
	frames := make(chan readResult, 1)

	go func() {
		for {
			record, err := mx.pipe.ReadRecord()
			if err != nil {
				frames <- readResult{err: err}
				return
			}
			f, err := DecodeFrame(record)
			if err != nil {
				frames <- readResult{err: err}
				return
			}
			frames <- readResult{frame: f}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-frames:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				return r.err
			}
			mx.dispatch(ctx, r.frame)
		}
	}
}

func (mx *Multiplexer) dispatch(ctx context.Context, f Frame) {
	switch f.Kind {
	case KindOpen:
		mx.handleOpen(ctx, f.StreamID)
	case KindData:
		mx.handleData(f.StreamID, f.Payload)
	case KindClose:
		mx.handleClose(f.StreamID)
	default:
		mx.log.WithField("kind", f.Kind).Warn("unknown frame kind")
	}
}

func (mx *Multiplexer) handleOpen(ctx context.Context, id uint32) {
	if mx.dialer == nil {
		mx.log.WithField("stream", id).Warn("open frame received with no target dialer configured")
		mx.pipe.WriteRecord(EncodeFrame(Frame{StreamID: id, Kind: KindClose}))
		return
	}
	conn, err := mx.dialer(ctx)
	if err != nil {
		mx.log.WithError(err).WithField("stream", id).Warn("dialing forward target")
		mx.pipe.WriteRecord(EncodeFrame(Frame{StreamID: id, Kind: KindClose}))
		return
	}
	s := newStream(id, conn)
	mx.register(s)
	go mx.pumpToPipe(s)
}

func (mx *Multiplexer) handleData(id uint32, payload []byte) {
	s, ok := mx.lookup(id)
	if !ok {
		return
	}
	if _, err := s.conn.Write(payload); err != nil {
		mx.log.WithError(err).WithField("stream", id).Debug("writing to local stream")
		mx.closeStream(s)
	}
}

func (mx *Multiplexer) handleClose(id uint32) {
	s, ok := mx.lookup(id)
	if !ok {
		return
	}
	mx.deregister(id)
	s.closeLocal()
}

// closeAll tears down every still-open stream, used when Run exits.
func (mx *Multiplexer) closeAll() {
	mx.mu.Lock()
	streams := make([]*stream, 0, len(mx.streams))
	for _, s := range mx.streams {
		streams = append(streams, s)
	}
	mx.streams = make(map[uint32]*stream)
	mx.mu.Unlock()

	for _, s := range streams {
		s.closeLocal()
	}
}
