// Package handshake implements the obfuscated header used to agree on
// a channel id and header length between two logical transports, plus
// the thin orchestration (HandshakeServer/Client, AcceptAsync,
// ConnectAsync, HelloAsync) that binds the codec to a Transport.
//
// The wire format hides a fixed 12-byte hex field inside a
// variable-length blob of random printable ASCII, then randomizes the
// case of every hex digit so no two headers with the same
// (size, channelID) look alike on the wire. Hex digits parse
// identically regardless of case, so this buys camouflage for free.
package handshake

import (
	"context"
	"fmt"
	"io"

	"github.com/wu2305/traffic-splitter/internal/randutil"
	"github.com/wu2305/traffic-splitter/internal/transport"
)

// MaxHeaderSize bounds how large a packed header may be, independent
// of any particular connection's negotiated alignment.
const MaxHeaderSize = 65535

// MinAlignment is the smallest alignment AcceptAsync/ConnectAsync
// (and Pack, transitively) will accept.
const MinAlignment = 512

// Pack writes a single obfuscated header to w and reports whether the
// write succeeded. size is drawn uniformly from
// [MinAlignment, min(alignment, MaxHeaderSize)].
func Pack(w io.Writer, channelID uint32, alignment int) bool {
	if channelID == 0 {
		return false
	}

	limit := alignment
	if limit > MaxHeaderSize {
		limit = MaxHeaderSize
	}
	if limit < MinAlignment {
		return false
	}

	size := randutil.IntRange(MinAlignment, limit+1)
	return packSize(w, channelID, size)
}

// packSize writes a header of exactly size bytes. It is split out from
// Pack so tests can exercise the codec at deterministic sizes without
// fighting the random size selection Pack performs.
func packSize(w io.Writer, channelID uint32, size int) bool {
	buf := make([]byte, size)
	randutil.Fill(buf)

	encoded := uint32(channelID) ^ uint32((int64(size)<<16)|int64(size))
	hex := fmt.Sprintf("%04X%08X", size, encoded)
	for i := 0; i < len(hex); i++ {
		ch := hex[i]
		if randutil.Bool() {
			ch = toLower(ch)
		} else {
			ch = toUpper(ch)
		}
		buf[1+i] = ch
	}

	n, err := w.Write(buf)
	return err == nil && n == size
}

func toLower(b byte) byte {
	if b >= 'A' && b <= 'F' {
		return b + ('a' - 'A')
	}
	return b
}

func toUpper(b byte) byte {
	if b >= 'a' && b <= 'f' {
		return b - ('a' - 'A')
	}
	return b
}

// Unpack recovers the packed (channelID, size) pair from a received
// frame. It returns 0 on any violation: length shorter than 13, a
// decoded size that isn't strictly greater than 13, a decoded size
// that doesn't equal length exactly, or a recovered channelID of
// zero. On success it returns (channelID << 32) | size.
func Unpack(buffer []byte, offset, length int) uint64 {
	if length < 13 || offset < 0 || offset+length > len(buffer) {
		return 0
	}
	data := buffer[offset:]

	size, ok := parseHex(data[1:5])
	if !ok || size <= 13 || int(size) != length {
		return 0
	}

	encoded, ok := parseHex(data[5:13])
	if !ok {
		return 0
	}

	channelID := uint32(encoded) ^ uint32((size<<16)|size)
	if channelID == 0 {
		return 0
	}

	return (uint64(channelID) << 32) | uint64(uint32(size))
}

// Split decomposes the packed value Unpack returns.
func Split(packed uint64) (channelID uint32, size int) {
	return uint32(packed >> 32), int(uint32(packed))
}

func parseHex(digits []byte) (int64, bool) {
	var v int64
	for _, b := range digits {
		var d int64
		switch {
		case b >= '0' && b <= '9':
			d = int64(b - '0')
		case b >= 'a' && b <= 'f':
			d = int64(b-'a') + 10
		case b >= 'A' && b <= 'F':
			d = int64(b-'A') + 10
		default:
			return 0, false
		}
		v = v<<4 | d
	}
	return v, true
}

// AcceptCallback delivers the outcome of a server- or client-side
// handshake: success and the agreed channel id (0 on failure).
type AcceptCallback func(success bool, channelID uint32)

// MeasureChannelID computes the channel id a server-side AcceptAsync
// call should advertise, given the transport that will carry it.
type MeasureChannelID func(inbound transport.Transport) uint32

// HandshakeServer packs a header for channelID and writes it to
// transmission, then delivers cb with the outcome.
func HandshakeServer(ctx context.Context, transmission transport.Transport, alignment int, channelID uint32, cb AcceptCallback) bool {
	if transmission == nil || cb == nil || alignment < MinAlignment || channelID == 0 {
		return false
	}

	ok := Pack(transmission, channelID, alignment)
	cb(ok, channelID)
	return true
}

// HandshakeClient reads a single header from transmission and
// delivers cb with the decoded outcome.
func HandshakeClient(ctx context.Context, transmission transport.Transport, cb AcceptCallback) bool {
	if transmission == nil || cb == nil {
		return false
	}

	buf := make([]byte, MaxHeaderSize)
	n, err := transmission.Read(buf)
	if err != nil || n < 1 {
		cb(false, 0)
		return true
	}

	packed := Unpack(buf, 0, n)
	if packed == 0 {
		cb(false, 0)
		return true
	}

	channelID, _ := Split(packed)
	cb(true, channelID)
	return true
}

// AcceptAsync is the server side of the handshake when accepting an
// inbound transport: it measures a channel id from the transport
// itself and writes the header.
func AcceptAsync(ctx context.Context, inbound transport.Transport, alignment int, measure MeasureChannelID, cb AcceptCallback) bool {
	if inbound == nil || cb == nil || measure == nil || alignment < MinAlignment {
		return false
	}
	channelID := measure(inbound)
	if channelID == 0 {
		return false
	}
	return HandshakeServer(ctx, inbound, alignment, channelID, cb)
}

// AcceptAsyncClient is the client side of accepting an outbound
// transport with no alignment negotiated: it just reads and decodes.
func AcceptAsyncClient(ctx context.Context, outbound transport.Transport, cb AcceptCallback) bool {
	return HandshakeClient(ctx, outbound, cb)
}

// ConnectAsync is the server-writes half of connecting: used when
// this side already knows the channel id it wants to advertise.
func ConnectAsync(ctx context.Context, outbound transport.Transport, alignment int, channelID uint32, cb AcceptCallback) bool {
	return HandshakeServer(ctx, outbound, alignment, channelID, cb)
}

// ConnectAsyncClient is the client-reads half of connecting.
func ConnectAsyncClient(ctx context.Context, inbound transport.Transport, cb AcceptCallback) bool {
	return HandshakeClient(ctx, inbound, cb)
}

// HelloAsync sends a one-shot handshake with the minimum alignment and
// a random non-zero channel id, closing outbound if the write fails.
func HelloAsync(ctx context.Context, outbound transport.Transport) bool {
	if outbound == nil {
		return false
	}
	channelID := uint32(randutil.IntRange(1, 1<<31))
	return HandshakeServer(ctx, outbound, MinAlignment, channelID, func(success bool, _ uint32) {
		if !success {
			_ = outbound.Close()
		}
	})
}

// HelloAsyncAccept receives a one-shot HelloAsync handshake and
// delivers a pure boolean, closing inbound on failure.
func HelloAsyncAccept(ctx context.Context, inbound transport.Transport, cb func(success bool)) bool {
	if inbound == nil || cb == nil {
		return false
	}
	return HandshakeClient(ctx, inbound, func(success bool, _ uint32) {
		if !success {
			_ = inbound.Close()
		}
		cb(success)
	})
}
