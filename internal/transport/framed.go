package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
)

// frameHeaderSize is the length-prefix size for the Framed transport,
// the data-only reduction of the teacher's 12-byte multi-field frame
// header (type/forward-id/stream-id/length) down to just a length,
// since this core forwards a single opaque byte stream per direction
// and has no forward-id/stream-id fields to multiplex.
const frameHeaderSize = 4

const maxFrameSize = 1 << 20

// Framed is the "obfuscated TCP" logical transport: every Write is
// wrapped in a length-prefixed frame and every Read returns bytes from
// a single frame (a frame larger than the caller's buffer is handed
// out over several Reads), so intermediaries see fixed-shape records
// instead of a raw stream. It carries no encryption of its own;
// obfuscation comes from whatever net.Conn it wraps plus the handshake
// codec's noise padding.
type Framed struct {
	conn    net.Conn
	ctx     context.Context
	pending []byte // undelivered bytes from a frame larger than the caller's buffer
}

// NewFramed wraps conn in length-prefixed framing.
func NewFramed(ctx context.Context, conn net.Conn) *Framed {
	return &Framed{conn: conn, ctx: ctx}
}

func (f *Framed) Read(p []byte) (int, error) {
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		return n, nil
	}

	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(f.conn, hdr); err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint32(hdr)
	if size == 0 || size > maxFrameSize {
		return 0, io.ErrUnexpectedEOF
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(f.conn, frame); err != nil {
		return 0, err
	}

	n := copy(p, frame)
	if n < len(frame) {
		f.pending = frame[n:]
	}
	return n, nil
}

func (f *Framed) Write(p []byte) (int, error) {
	hdr := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(hdr, uint32(len(p)))
	if _, err := f.conn.Write(hdr); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := f.conn.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *Framed) Close() error             { return f.conn.Close() }
func (f *Framed) Context() context.Context { return f.ctx }
