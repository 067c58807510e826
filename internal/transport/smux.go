package transport

import (
	"context"

	"github.com/xtaci/smux"
)

// Smux wraps a single multiplexed stream, letting many logical
// connections share one physical socket the way the teacher's relay
// and VPN modes multiplex forwarded TCP/UDP flows over one
// smux.Session.
type Smux struct {
	stream *smux.Stream
	ctx    context.Context
}

// NewSmux wraps an already-opened or already-accepted stream.
func NewSmux(ctx context.Context, stream *smux.Stream) *Smux {
	return &Smux{stream: stream, ctx: ctx}
}

// DialSmux opens a new stream on session, mirroring the teacher's
// session.OpenStream() call on the client side of a forwarded TCP
// connection.
func DialSmux(ctx context.Context, session *smux.Session) (*Smux, error) {
	stream, err := session.OpenStream()
	if err != nil {
		return nil, err
	}
	return NewSmux(ctx, stream), nil
}

func (s *Smux) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *Smux) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *Smux) Close() error                { return s.stream.Close() }
func (s *Smux) Context() context.Context    { return s.ctx }
