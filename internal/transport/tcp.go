package transport

import (
	"context"
	"net"
)

// TCP is the plaintext transport: a thin Transport wrapper over a
// net.Conn, the shape used throughout the teacher's forwarding loops.
type TCP struct {
	conn net.Conn
	ctx  context.Context
}

// NewTCP wraps conn. ctx is stored only to be returned by Context;
// the wrapper never cancels it and reads no values from it.
func NewTCP(ctx context.Context, conn net.Conn) *TCP {
	return &TCP{conn: conn, ctx: ctx}
}

func (t *TCP) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *TCP) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *TCP) Close() error                { return t.conn.Close() }
func (t *TCP) Context() context.Context    { return t.ctx }
