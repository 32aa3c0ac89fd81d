package rendezvous

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/wirecodec"
)

// readPump owns the socket: it is the only goroutine that calls
// conn.ReadMessage, and it is responsible for routing every frame to either
// a pending request's channel or the registered message handlers (spec.md
// §4.1 "Concurrency contract").
func (c *Client) readPump() {
	log := logrus.WithFields(logrus.Fields{"package": "rendezvous", "function": "readPump"})
	defer c.markClosed()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isExpectedClose(err) {
				log.Debug("connection closed")
			} else {
				log.WithError(err).Warn("read error")
			}
			return
		}

		if c.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}

		var msg wirecodec.ServerMessage
		if err := wirecodec.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Warn("discarding malformed server frame")
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) isExpectedClose(err error) bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

func (c *Client) dispatch(msg wirecodec.ServerMessage) {
	switch msg.Type {
	case "welcome":
		c.deliver("__welcome__", msg)
	case "error":
		// spec.md §4.1: unexpected `error` frames with no matching pending
		// request move the whole session into the fatal state; ones tied to
		// a specific op are delivered there instead so the caller's request
		// returns the ServerError.
		if msg.ID != "" && c.deliver(msg.ID, msg) {
			return
		}
		c.mu.Lock()
		c.state = StateFatal
		c.fatalErr = &ServerError{Message: msg.Error}
		waiting := make([]chan wirecodec.ServerMessage, 0, len(c.pending))
		for _, ch := range c.pending {
			waiting = append(waiting, ch)
		}
		c.mu.Unlock()
		// In-flight requests fail with this error frame as their response.
		for _, ch := range waiting {
			select {
			case ch <- msg:
			default:
			}
		}
	case "message":
		c.handlersMu.RLock()
		handlers := append([]MessageHandler(nil), c.handlers...)
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(msg.Side, msg.Phase, msg.Body)
		}
	case "pong":
		// liveness only; nothing to do.
	default:
		if msg.ID != "" && c.deliver(msg.ID, msg) {
			return
		}
		// spec.md §9 Open Question: unknown message types are logged and
		// ignored rather than treated as a protocol error.
		logrus.WithFields(logrus.Fields{
			"package": "rendezvous", "type": msg.Type,
		}).Warn("unknown server message type, ignoring")
	}
}

// deliver routes msg to the pending request channel keyed by id, if any.
// Returns whether a waiter was found.
func (c *Client) deliver(id string, msg wirecodec.ServerMessage) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// pingLoop sends a liveness ping every idleTimeout/2 until the connection
// closes, so the server sees traffic well before its own idle timeout and
// the local read deadline set in readPump keeps getting pushed out by the
// resulting pong (spec.md §5 "websocket idle timeout").
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		}
	}
}

// Ping sends a liveness ping; the server's pong is discarded by dispatch.
func (c *Client) Ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	data, err := wirecodec.Marshal(wirecodec.ClientMessage{Type: "ping"})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
