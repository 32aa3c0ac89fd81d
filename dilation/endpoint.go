package dilation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/forward"
	"github.com/opd-ai/wormhole-go/transit"
	"github.com/opd-ai/wormhole-go/wormhole"
)

const streamBufferSize = 32 * 1024

// Options configures how an Endpoint gathers hints and dials each transit
// generation.
type Options struct {
	Transit          transit.GatherOptions
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Listener         net.Listener

	// MaxReconnectAttempts bounds consecutive generation-connect failures
	// before Run gives up. Zero means retry forever.
	MaxReconnectAttempts int

	// ReconnectBackoff is the delay between failed connection attempts.
	// Defaults to one second.
	ReconnectBackoff time.Duration
}

// generationOffer is exchanged once per generation over the session's
// ordinary mailbox channel, carrying the side id used for Leader/Follower
// resolution and this generation's transit hints.
type generationOffer struct {
	Side  string          `json:"side"`
	Hints transit.HintSet `json:"hints"`
}

type dilationStream struct {
	id     uint32
	remote net.Conn
	once   sync.Once
	closed chan struct{}
}

func newDilationStream(id uint32) (*dilationStream, net.Conn) {
	local, remote := net.Pipe()
	return &dilationStream{id: id, remote: remote, closed: make(chan struct{})}, local
}

func (s *dilationStream) closeLocal() {
	s.once.Do(func() {
		s.remote.Close()
		close(s.closed)
	})
}

func (s *dilationStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Endpoint is a reconnecting subchannel transport over a wormhole session
// (original source's DilatedWormhole/ManagerMachine). Run drives the
// generation lifecycle; OpenStream and Accept expose the subchannel API,
// both safe to call across reconnects.
type Endpoint struct {
	sess *wormhole.Session
	opts Options
	log  *logrus.Entry

	mu         sync.Mutex
	role       Role
	roleKnown  bool
	generation uint64
	pipe       *transit.Pipe
	streams    map[uint32]*dilationStream
	nextID     uint32

	accept    chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewEndpoint constructs an Endpoint over sess. Call Run in a goroutine
// before using OpenStream or Accept.
func NewEndpoint(sess *wormhole.Session, opts Options) *Endpoint {
	return &Endpoint{
		sess:    sess,
		opts:    opts,
		log:     logrus.WithField("component", "dilation.endpoint"),
		streams: make(map[uint32]*dilationStream),
		accept:  make(chan net.Conn, 8),
		closed:  make(chan struct{}),
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled, the
// endpoint is closed, or reconnection is exhausted.
func (e *Endpoint) Run(ctx context.Context) error {
	backoff := e.opts.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closed:
			return nil
		default:
		}

		pipe, connType, err := e.connectGeneration(ctx)
		if err != nil {
			attempt++
			e.log.WithError(err).WithField("attempt", attempt).Warn("dilation generation failed to connect")
			if e.opts.MaxReconnectAttempts > 0 && attempt >= e.opts.MaxReconnectAttempts {
				return fmt.Errorf("%w: %d attempts", ErrReconnectExhausted, attempt)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		attempt = 0
		e.log.WithFields(logrus.Fields{"generation": e.currentGeneration(), "connection_type": connType.String()}).Info("dilation generation connected")

		e.runGeneration(ctx, pipe)
		e.abandonStreams()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closed:
			return nil
		default:
		}
	}
}

func (e *Endpoint) currentGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// connectGeneration negotiates one transit connection: exchange hints and
// side ids over the mailbox, resolve Leader/Follower on the first
// generation, derive generation-scoped transit keys, and race the dial.
func (e *Endpoint) connectGeneration(ctx context.Context) (*transit.Pipe, transit.ConnectionType, error) {
	e.mu.Lock()
	e.generation++
	generation := e.generation
	e.mu.Unlock()

	hs := transit.Gather(ctx, e.opts.Transit)
	offer := generationOffer{Side: e.sess.Side(), Hints: hs}
	if err := e.sendOffer(ctx, offer); err != nil {
		return nil, 0, fmt.Errorf("dilation: sending generation %d offer: %w", generation, err)
	}
	peerOffer, err := e.receiveOffer(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("dilation: awaiting generation %d offer: %w", generation, err)
	}

	e.mu.Lock()
	if !e.roleKnown {
		e.role = DetermineRole(e.sess.Side(), peerOffer.Side)
		e.roleKnown = true
		if e.role == RoleLeader {
			e.nextID = 0
		} else {
			e.nextID = 1
		}
		e.log = e.log.WithField("role", e.role.String())
	}
	role := e.role
	e.mu.Unlock()

	dialRole := transit.RoleReceiver
	if role == RoleLeader {
		dialRole = transit.RoleSender
	}

	keys, err := generationTransitKeys(e.sess, generation)
	if err != nil {
		return nil, 0, err
	}

	return transit.Dial(ctx, transit.DialOptions{
		Role:             dialRole,
		Keys:             keys,
		DirectHints:      peerOffer.Hints.Direct,
		RelayHints:       peerOffer.Hints.Relays,
		DialTimeout:      e.opts.DialTimeout,
		HandshakeTimeout: e.opts.HandshakeTimeout,
		Listener:         e.opts.Listener,
	})
}

func (e *Endpoint) sendOffer(ctx context.Context, offer generationOffer) error {
	body, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return e.sess.Send(ctx, body)
}

func (e *Endpoint) receiveOffer(ctx context.Context) (generationOffer, error) {
	body, err := e.sess.Receive(ctx)
	if err != nil {
		return generationOffer{}, err
	}
	var offer generationOffer
	if err := json.Unmarshal(body, &offer); err != nil {
		return generationOffer{}, err
	}
	return offer, nil
}

// runGeneration owns pipe until it errors or ctx is cancelled, dispatching
// frames to registered streams. It returns once the pipe dies, leaving
// reconnection to the caller.
func (e *Endpoint) runGeneration(ctx context.Context, pipe *transit.Pipe) {
	e.mu.Lock()
	e.pipe = pipe
	e.mu.Unlock()
	defer func() {
		pipe.Close()
		e.mu.Lock()
		if e.pipe == pipe {
			e.pipe = nil
		}
		e.mu.Unlock()
	}()

	type readResult struct {
		frame forward.Frame
		err   error
	}
	frames := make(chan readResult, 1)
	go func() {
		for {
			record, err := pipe.ReadRecord()
			if err != nil {
				frames <- readResult{err: err}
				return
			}
			f, err := forward.DecodeFrame(record)
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
			return
		case r := <-frames:
			if r.err != nil {
				if !errors.Is(r.err, io.EOF) {
					e.log.WithError(r.err).Debug("dilation generation pipe read ended")
				}
				return
			}
			e.dispatch(r.frame)
		}
	}
}

func (e *Endpoint) dispatch(f forward.Frame) {
	switch f.Kind {
	case forward.KindOpen:
		e.handlePeerOpen(f.StreamID)
	case forward.KindData:
		e.handleData(f.StreamID, f.Payload)
	case forward.KindClose:
		e.handleClose(f.StreamID)
	}
}

func (e *Endpoint) handlePeerOpen(id uint32) {
	e.mu.Lock()
	if _, exists := e.streams[id]; exists {
		e.mu.Unlock()
		return
	}
	s, local := newDilationStream(id)
	e.streams[id] = s
	e.mu.Unlock()

	go e.pumpToPipe(s)

	select {
	case e.accept <- local:
	default:
		e.log.WithField("stream", id).Warn("accept queue full, dropping inbound stream")
		e.closeStream(s)
	}
}

func (e *Endpoint) handleData(id uint32, payload []byte) {
	e.mu.Lock()
	s, ok := e.streams[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.remote.Write(payload); err != nil {
		e.closeStream(s)
	}
}

func (e *Endpoint) handleClose(id uint32) {
	e.mu.Lock()
	s, ok := e.streams[id]
	if ok {
		delete(e.streams, id)
	}
	e.mu.Unlock()
	if ok {
		s.closeLocal()
	}
}

func (e *Endpoint) writeFrame(f forward.Frame) error {
	e.mu.Lock()
	pipe := e.pipe
	e.mu.Unlock()
	if pipe == nil {
		return ErrNoGeneration
	}
	return pipe.WriteRecord(forward.EncodeFrame(f))
}

func (e *Endpoint) pumpToPipe(s *dilationStream) {
	buf := make([]byte, streamBufferSize)
	for {
		n, err := s.remote.Read(buf)
		if n > 0 {
			if werr := e.writeFrame(forward.Frame{StreamID: s.id, Kind: forward.KindData, Payload: append([]byte(nil), buf[:n]...)}); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	e.closeStream(s)
}

func (e *Endpoint) closeStream(s *dilationStream) {
	if s.isClosed() {
		return
	}
	s.closeLocal()
	e.mu.Lock()
	delete(e.streams, s.id)
	e.mu.Unlock()
	e.writeFrame(forward.Frame{StreamID: s.id, Kind: forward.KindClose})
}

// abandonStreams drops every stream left over from a dead generation
// (original source's Flushing state: in-flight connection state from the
// old connection is discarded, not replayed).
func (e *Endpoint) abandonStreams() {
	e.mu.Lock()
	streams := make([]*dilationStream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.streams = make(map[uint32]*dilationStream)
	e.mu.Unlock()
	for _, s := range streams {
		s.closeLocal()
	}
}

// OpenStream opens a new subchannel on the current generation, returning
// once the open frame is sent. Stream ids are partitioned by role (Leader
// picks even ids, Follower odd) so neither side can collide with one the
// peer opens concurrently.
func (e *Endpoint) OpenStream(ctx context.Context) (net.Conn, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}
	e.mu.Lock()
	if !e.roleKnown {
		e.mu.Unlock()
		return nil, ErrNoGeneration
	}
	id := e.nextID
	e.nextID += 2
	e.mu.Unlock()

	s, local := newDilationStream(id)
	e.mu.Lock()
	e.streams[id] = s
	e.mu.Unlock()

	if err := e.writeFrame(forward.Frame{StreamID: id, Kind: forward.KindOpen}); err != nil {
		e.mu.Lock()
		delete(e.streams, id)
		e.mu.Unlock()
		s.closeLocal()
		return nil, err
	}
	go e.pumpToPipe(s)
	return local, nil
}

// Accept blocks until the peer opens a subchannel, the endpoint is closed,
// or ctx is cancelled.
func (e *Endpoint) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-e.accept:
		return conn, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the endpoint: the active pipe and every open stream,
// and causes Run to return.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	e.abandonStreams()
	e.mu.Lock()
	pipe := e.pipe
	e.mu.Unlock()
	if pipe != nil {
		return pipe.Close()
	}
	return nil
}
