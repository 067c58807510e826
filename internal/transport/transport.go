// Package transport defines the capability set the tunnel core consumes
// from an inbound or outbound logical channel, and a family of concrete
// adapters over that capability set.
//
// The core never imports a concrete transport; it only ever holds a
// Transport value. Read/Write are the blocking Go rendering of the
// ReadAsync/WriteAsync suspension points: the goroutine that calls them
// parks on the runtime's network poller, which is what "the caller's
// other work is not blocked" means in a language without callbacks.
package transport

import "context"

// Transport is a bidirectional byte channel. Close is idempotent and
// non-blocking, and must cause any outstanding Read/Write on the same
// value to return a short/failed result. Context returns the context
// that in-flight operations on this transport were started under; it
// is used only for cancellation propagation, never for values.
type Transport interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	Context() context.Context
}
