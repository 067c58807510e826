package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a *websocket.Conn's message-oriented API to the
// byte-stream Transport contract, the same flattening the dtn7 pack
// repo's WebSocketReadWriteFlushCloser performs for its convergence
// layer clients.
type WebSocket struct {
	conn *websocket.Conn
	ctx  context.Context

	wmu     sync.Mutex
	rmu     sync.Mutex
	pending []byte
}

// NewWebSocket wraps an already-established (dialed or upgraded)
// WebSocket connection.
func NewWebSocket(ctx context.Context, conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn, ctx: ctx}
}

func (w *WebSocket) Read(p []byte) (int, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()

	if len(w.pending) == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.pending = data
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *WebSocket) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocket) Close() error             { return w.conn.Close() }
func (w *WebSocket) Context() context.Context { return w.ctx }
