package tunnel

import (
	"io"
	"net"

	"github.com/wu2305/traffic-splitter/internal/transport"
)

// pumpInboundToRemote is Pump A: it reads whatever buffer the inbound
// transport hands back on each call and forwards it to remote. The
// read buffer here belongs to this pump alone (spec.md §3 invariant
// 3 reserves the connection's shared MSS buffer for Pump B).
func (c *Connection) pumpInboundToRemote(inbound transport.Transport, remote net.Conn) {
	buf := make([]byte, c.cfg.MSS())
	for !c.disposed.Load() {
		n, err := inbound.Read(buf)
		if err != nil || n < 1 {
			c.log.WithError(err).Debug("inbound read ended pump A")
			c.Close()
			return
		}

		if err := writeFull(remote, buf[:n]); err != nil {
			c.log.WithError(err).Debug("remote write ended pump A")
			c.Close()
			return
		}
	}
}

// pumpRemoteToOutbound is Pump B: it reads up to len(buf) bytes from
// remote into the connection's single shared buffer and hands them to
// outbound. outbound.Write must not retain buf past its return — the
// same slice is reused on the very next iteration.
func (c *Connection) pumpRemoteToOutbound(remote net.Conn, outbound transport.Transport, buf []byte) {
	for !c.disposed.Load() {
		n, err := remote.Read(buf)
		if err != nil || n < 1 {
			c.log.WithError(err).Debug("remote read ended pump B")
			c.Close()
			return
		}

		if _, err := outbound.Write(buf[:n]); err != nil {
			c.log.WithError(err).Debug("outbound write ended pump B")
			c.Close()
			return
		}
	}
}

// writeFull loops until every byte of p has been written or an error
// occurs, since a single net.Conn.Write is not guaranteed to consume
// the whole buffer.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
