package transfer

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// FrameConn is the minimal duplex frame transport the sender and
// receiver loops drive: JSON text frames for control messages, binary
// frames for chunk payloads (§4.2). Abstracted behind an interface so
// the state machines in this package can be driven by a fake in tests
// without a real socket.
type FrameConn interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
	// Read returns the next frame; binary reports whether it was a
	// binary frame (chunk) as opposed to a text frame (control message).
	Read(ctx context.Context) (binary bool, data []byte, err error)
	// Ping sends a WS-level ping and waits for the matching pong, used
	// by the supervisor's keepalive loop (§4.6).
	Ping(ctx context.Context) error
	Close(reason string) error
}

// WSConn adapts nhooyr.io/websocket.Conn to FrameConn.
type WSConn struct {
	c *websocket.Conn
}

func NewWSConn(c *websocket.Conn) *WSConn { return &WSConn{c: c} }

func (w *WSConn) WriteText(ctx context.Context, data []byte) error {
	if err := w.c.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write text frame: %w", err)
	}
	return nil
}

func (w *WSConn) WriteBinary(ctx context.Context, data []byte) error {
	if err := w.c.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("write binary frame: %w", err)
	}
	return nil
}

func (w *WSConn) Read(ctx context.Context) (bool, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("read frame: %w", err)
	}
	return typ == websocket.MessageBinary, data, nil
}

func (w *WSConn) Ping(ctx context.Context) error {
	if err := w.c.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (w *WSConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
