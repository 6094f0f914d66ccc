package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned when sending on a closed transport
var ErrTransportClosed = errors.New("transport closed")

// WSTransport writes messages as JSON frames to a websocket connection.
// The hub writer goroutine is the only writer on the connection.
type WSTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps a websocket connection
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// Send writes msg with the context deadline as write deadline
func (t *WSTransport) Send(ctx context.Context, msg Message) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return t.conn.WriteJSON(msg)
}

// Close sends a close frame and closes the connection
func (t *WSTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// ChanTransport delivers messages to a Go channel, for in-process consumers
type ChanTransport struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// NewChanTransport creates a channel transport with the given buffer
func NewChanTransport(buffer int) *ChanTransport {
	return &ChanTransport{ch: make(chan Message, buffer)}
}

// C returns the receive channel. It is closed when the transport closes.
func (t *ChanTransport) C() <-chan Message {
	return t.ch
}

// Send blocks until msg is buffered or ctx is done
func (t *ChanTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	select {
	case t.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the receive channel
func (t *ChanTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	return nil
}
