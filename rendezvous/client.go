package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/wirecodec"
)

// MessageHandler is invoked, in server order, for every `message` frame the
// server relays — including ones the receiving side's own Add calls
// produced, which it must then filter by Side.
type MessageHandler func(side, phase, body string)

// Client is a single side's connection to the mailbox server. It is safe
// for concurrent use: Allocate/Claim/Open/Add/Release/Close may be called
// from multiple goroutines, though the protocol itself is inherently
// sequential per spec.md §5.
type Client struct {
	url   string
	appID string
	side  string

	dialTimeout time.Duration
	idleTimeout time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	fatalErr error
	pending  map[string]chan wirecodec.ServerMessage

	handlersMu sync.RWMutex
	handlers   []MessageHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a client bound to a specific application id and side
// (spec.md §3 "AppId", "Side"). Dial must be called before any operation.
// idleTimeout bounds how long the connection may sit without a frame from
// the server before it is considered lost (spec.md §5); zero disables the
// ping ticker and read deadline entirely.
func New(url, appID, side string, idleTimeout time.Duration) *Client {
	return &Client{
		url:         url,
		appID:       appID,
		side:        side,
		dialTimeout: 10 * time.Second,
		idleTimeout: idleTimeout,
		state:       StateStart,
		pending:     make(map[string]chan wirecodec.ServerMessage),
		closed:      make(chan struct{}),
	}
}

// Dial opens the WebSocket and performs Bind, advancing Start -> Welcomed ->
// Bound (spec.md §4.1 "Bind … first message").
func (c *Client) Dial(ctx context.Context) error {
	log := logrus.WithFields(logrus.Fields{"package": "rendezvous", "function": "Dial", "url": c.url})

	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("rendezvous: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.idleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		go c.pingLoop()
	}

	go c.readPump()

	if err := c.awaitServerHello(ctx); err != nil {
		conn.Close()
		return err
	}
	c.transition(StateWelcomed)

	log.Debug("connected to mailbox server")
	return c.bind(ctx)
}

// awaitServerHello waits for the server's initial `welcome` frame.
func (c *Client) awaitServerHello(ctx context.Context) error {
	ch := make(chan wirecodec.ServerMessage, 1)
	c.mu.Lock()
	c.pending["__welcome__"] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, "__welcome__")
		c.mu.Unlock()
	}()

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return &ServerError{Op: "welcome", Message: msg.Error}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionLost
	}
}

func (c *Client) bind(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateWelcomed {
		c.mu.Unlock()
		return ErrDuplicateBind
	}
	c.mu.Unlock()

	_, err := c.request(ctx, "bind", wirecodec.ClientMessage{
		Type:  "bind",
		AppID: c.appID,
		Side:  c.side,
	})
	if err != nil {
		return err
	}
	c.transition(StateBound)
	return nil
}

// Allocate requests a fresh nameplate from the server (sender-only path,
// spec.md §4.1 "Allocate").
func (c *Client) Allocate(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, "allocate", wirecodec.ClientMessage{Type: "allocate"})
	if err != nil {
		return "", err
	}
	return resp.Nameplate, nil
}

// List returns the currently open nameplates, used for interactive
// completion by front-ends (spec.md §4.1 "List").
func (c *Client) List(ctx context.Context) ([]string, error) {
	resp, err := c.request(ctx, "list", wirecodec.ClientMessage{Type: "list"})
	if err != nil {
		return nil, err
	}
	return resp.Nameplates, nil
}

// Claim binds a nameplate to a mailbox id (spec.md §4.1 "Claim nameplate").
func (c *Client) Claim(ctx context.Context, nameplate string) (string, error) {
	resp, err := c.request(ctx, "claim", wirecodec.ClientMessage{Type: "claim", Nameplate: nameplate})
	if err != nil {
		return "", err
	}
	c.transition(StateNameplateClaimed)
	return resp.Mailbox, nil
}

// Open opens the mailbox for message exchange; idempotent on the server
// side (spec.md §4.1 "Open mailbox").
func (c *Client) Open(ctx context.Context, mailbox string) error {
	_, err := c.request(ctx, "open", wirecodec.ClientMessage{Type: "open", Mailbox: mailbox})
	if err != nil {
		return err
	}
	c.transition(StateMailboxOpen)
	return nil
}

// Add appends a phase message to the mailbox; the server echoes it to both
// sides via `message` (spec.md §4.1 "Add message"). body is raw bytes,
// hex-encoded on the wire.
func (c *Client) Add(ctx context.Context, phase string, body []byte) error {
	_, err := c.request(ctx, "add", wirecodec.ClientMessage{
		Type:  "add",
		Phase: phase,
		Body:  wirecodec.HexEncode(body),
	})
	return err
}

// ReleaseNameplate releases the claimed nameplate. Per spec.md §9, this is
// done as soon as the mailbox id is known; the mailbox itself stays open.
func (c *Client) ReleaseNameplate(ctx context.Context, nameplate string) error {
	_, err := c.request(ctx, "release", wirecodec.ClientMessage{Type: "release", Nameplate: nameplate})
	if err != nil {
		return err
	}
	c.transition(StateReleased)
	return nil
}

// CloseMailbox closes the mailbox, ending the session (spec.md §4.1 "Close
// mailbox").
func (c *Client) CloseMailbox(ctx context.Context, mailbox string) error {
	_, err := c.request(ctx, "close", wirecodec.ClientMessage{Type: "close", Mailbox: mailbox})
	if err != nil {
		return err
	}
	c.transition(StateClosed)
	return nil
}

// OnMessage registers a handler invoked for every `message` frame relayed
// by the server, in server order (spec.md §5 "Ordering").
func (c *Client) OnMessage(h MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed once the connection is gone, whether from
// an explicit Close or the read pump observing the socket drop. Callers
// waiting on a peer-dependent event (e.g. the wormhole session awaiting the
// peer's pake) select on this to detect the mailbox disappearing out from
// under them.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) transition(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"package": "rendezvous", "from": prev.String(), "to": s.String(),
	}).Debug("state transition")
}

// Close tears down the WebSocket unconditionally (used by cancellation,
// spec.md §5 "Cancellation"). It is idempotent.
func (c *Client) Close() error {
	c.markClosed()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// markClosed closes the closed channel exactly once, regardless of whether
// the trigger was an explicit Close() or the read pump observing EOF.
func (c *Client) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// request sends a correlated client message and waits for its ack/response,
// honoring ctx cancellation (spec.md §4.1 "Concurrency contract").
func (c *Client) request(ctx context.Context, op string, msg wirecodec.ClientMessage) (wirecodec.ServerMessage, error) {
	c.mu.Lock()
	if c.state == StateFatal {
		err := c.fatalErr
		c.mu.Unlock()
		return wirecodec.ServerMessage{}, &FatalError{Err: err}
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return wirecodec.ServerMessage{}, ErrClosed
	}

	id := uuid.NewString()
	msg.ID = id
	ch := make(chan wirecodec.ServerMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := wirecodec.Marshal(msg)
	if err != nil {
		return wirecodec.ServerMessage{}, fmt.Errorf("rendezvous: marshal %s: %w", op, err)
	}

	c.mu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if writeErr != nil {
		return wirecodec.ServerMessage{}, fmt.Errorf("rendezvous: write %s: %w", op, writeErr)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return wirecodec.ServerMessage{}, &ServerError{Op: op, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		return wirecodec.ServerMessage{}, ctx.Err()
	case <-c.closed:
		return wirecodec.ServerMessage{}, ErrConnectionLost
	}
}
