package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wu2305/traffic-splitter/internal/config"
	"github.com/wu2305/traffic-splitter/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoListener starts a loopback TCP listener that echoes every
// connection it accepts, and returns its address plus a stop func.
func echoListener(t *testing.T) (*net.TCPAddr, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr), func() { ln.Close() }
}

func pipeTransports() (near, far transport.Transport, close func()) {
	a, b := net.Pipe()
	ctx := context.Background()
	nearT := transport.NewTCP(ctx, a)
	farT := transport.NewTCP(ctx, b)
	return nearT, farT, func() { a.Close(); b.Close() }
}

// TestDirectDialS1 exercises spec.md's S1 scenario: a direct dial to a
// reachable loopback echo listener, one inbound frame forwarded to
// remote and echoed back out via outbound.
func TestDirectDialS1(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	inboundConn, inboundPeer, closeInbound := pipeTransports()
	defer closeInbound()
	outboundConn, outboundPeer, closeOutbound := pipeTransports()
	defer closeOutbound()

	cfg := &config.Config{
		IP:         addr.IP.String(),
		Port:       uint16(addr.Port),
		Domain:     false,
		KeepAlived: false,
		Turbo:      true,
		FastOpen:   false,
		Alignment:  65535,
	}

	var disposed int
	conn := New(1, cfg, inboundConn, outboundConn, func(*Connection) { disposed++ })
	if !conn.DialRemote(context.Background()) {
		t.Fatal("DialRemote returned false")
	}

	deadline := time.After(2 * time.Second)
	for !conn.Available() {
		select {
		case <-deadline:
			t.Fatal("connection never became available")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := inboundPeer.Write([]byte("ping")); err != nil {
		t.Fatalf("write to inbound peer: %v", err)
	}

	buf := make([]byte, 16)
	n, err := readWithTimeout(t, outboundPeer, buf)
	if err != nil {
		t.Fatalf("read from outbound peer: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echoed \"ping\", got %q", buf[:n])
	}

	conn.Close()
	conn.Wait()
	if disposed != 1 {
		t.Fatalf("expected exactly one DisposedEvent firing, got %d", disposed)
	}
}

// TestDialRemoteRejectsInvalidEndpointSynchronously exercises spec.md
// §7's precondition-violation rule: a static address that fails
// socketfactory.Validate must make DialRemote return false with no
// side effects — no dispose, no goroutine started — rather than
// dispatching an async dial that later disposes on failure.
func TestDialRemoteRejectsInvalidEndpointSynchronously(t *testing.T) {
	inboundConn, _, closeInbound := pipeTransports()
	defer closeInbound()
	outboundConn, _, closeOutbound := pipeTransports()
	defer closeOutbound()

	cfg := &config.Config{
		IP:        "0.0.0.0",
		Port:      9000,
		Alignment: 65535,
	}

	var disposed int
	conn := New(7, cfg, inboundConn, outboundConn, func(*Connection) { disposed++ })
	if conn.DialRemote(context.Background()) {
		t.Fatal("expected DialRemote to reject an unspecified address")
	}
	if conn.disposed.Load() {
		t.Fatal("expected a rejected precondition to leave the connection un-disposed")
	}
	if disposed != 0 {
		t.Fatalf("expected no DisposedEvent firing, got %d", disposed)
	}

	conn.Close()
	conn.Wait()
}

func readWithTimeout(t *testing.T, r transport.Transport, buf []byte) (int, error) {
	t.Helper()
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read")
		return 0, nil
	}
}

// TestDisposeIsIdempotent exercises testable property 1: repeated
// Close calls fire DisposedEvent at most once.
func TestDisposeIsIdempotent(t *testing.T) {
	inboundConn, _, closeInbound := pipeTransports()
	defer closeInbound()
	outboundConn, _, closeOutbound := pipeTransports()
	defer closeOutbound()

	cfg := config.Default()
	var disposed int
	conn := New(2, cfg, inboundConn, outboundConn, func(*Connection) { disposed++ })

	for i := 0; i < 5; i++ {
		conn.Close()
	}
	conn.Wait()

	if disposed != 1 {
		t.Fatalf("expected exactly one DisposedEvent firing, got %d", disposed)
	}
	if !conn.IsDisposed() {
		t.Fatal("expected IsDisposed() true after Close")
	}
}

// TestKeepAliveDriverS6 exercises spec.md's S6 scenario and testable
// property 8: with genuinely distinct inbound/outbound legs, the
// keep-alive cycle writes a bounded-size payload to inbound on its own
// schedule while pump traffic keeps flowing normally, and a peer write
// arriving on outbound (simulating the far side's own keep-alive ping)
// is drained rather than disrupting the connection.
func TestKeepAliveDriverS6(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	inboundConn, inboundPeer, closeInbound := pipeTransports()
	defer closeInbound()
	outboundConn, outboundPeer, closeOutbound := pipeTransports()
	defer closeOutbound()

	cfg := &config.Config{
		IP:         addr.IP.String(),
		Port:       uint16(addr.Port),
		KeepAlived: true,
		Alignment:  65535,
	}

	var disposed int
	conn := New(5, cfg, inboundConn, outboundConn, func(*Connection) { disposed++ })
	if !conn.DialRemote(context.Background()) {
		t.Fatal("DialRemote returned false")
	}

	deadline := time.After(2 * time.Second)
	for !conn.Available() {
		select {
		case <-deadline:
			t.Fatal("connection never became available")
		case <-time.After(5 * time.Millisecond):
		}
	}

	buf := make([]byte, keepAlivePayloadMax)
	n, err := readWithTimeout(t, inboundPeer, buf)
	if err != nil {
		t.Fatalf("read keep-alive frame from inbound peer: %v", err)
	}
	if n < keepAlivePayloadMin || n >= keepAlivePayloadMax {
		t.Fatalf("keep-alive payload size %d out of [%d, %d)", n, keepAlivePayloadMin, keepAlivePayloadMax)
	}

	if _, err := outboundPeer.Write([]byte("noise")); err != nil {
		t.Fatalf("write ping to outbound peer: %v", err)
	}

	if _, err := inboundPeer.Write([]byte("ping")); err != nil {
		t.Fatalf("write to inbound peer: %v", err)
	}
	n, err = readWithTimeout(t, outboundPeer, buf)
	if err != nil {
		t.Fatalf("read echoed payload from outbound peer: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echoed \"ping\", got %q", buf[:n])
	}

	if !conn.Available() {
		t.Fatal("expected connection to remain Available after keep-alive and forwarding traffic")
	}

	conn.Close()
	conn.Wait()
	if disposed != 1 {
		t.Fatalf("expected exactly one DisposedEvent firing, got %d", disposed)
	}
}

// TestKeepAliveSkippedWhenTransportsShared guards the fix for the
// shared-transport race: when inbound and outbound are the same
// transport instance (the topology cmd/tunnelrelay always
// constructs), enabling KeepAlived must not arm a second reader/writer
// pair on top of the pumps. Forwarding still works; no keep-alive
// frame is ever produced since there is nowhere safe to put it.
func TestKeepAliveSkippedWhenTransportsShared(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	shared, peer, closeShared := pipeTransports()
	defer closeShared()

	cfg := &config.Config{
		IP:         addr.IP.String(),
		Port:       uint16(addr.Port),
		KeepAlived: true,
		Alignment:  65535,
	}

	var disposed int
	conn := New(6, cfg, shared, shared, func(*Connection) { disposed++ })
	if !conn.DialRemote(context.Background()) {
		t.Fatal("DialRemote returned false")
	}

	deadline := time.After(2 * time.Second)
	for !conn.Available() {
		select {
		case <-deadline:
			t.Fatal("connection never became available")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := peer.Write([]byte("ping")); err != nil {
		t.Fatalf("write to peer: %v", err)
	}
	buf := make([]byte, 16)
	n, err := readWithTimeout(t, peer, buf)
	if err != nil {
		t.Fatalf("read echoed payload from peer: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echoed \"ping\", got %q — keep-alive noise must not have been interleaved", buf[:n])
	}

	conn.Close()
	conn.Wait()
	if disposed != 1 {
		t.Fatalf("expected exactly one DisposedEvent firing, got %d", disposed)
	}
}

// TestAvailableFalseBeforeArming exercises testable property 7:
// Available() is false before Listen/DialRemote completes arming.
func TestAvailableFalseBeforeArming(t *testing.T) {
	inboundConn, _, closeInbound := pipeTransports()
	defer closeInbound()
	outboundConn, _, closeOutbound := pipeTransports()
	defer closeOutbound()

	cfg := config.Default()
	conn := New(3, cfg, inboundConn, outboundConn, nil)
	if conn.Available() {
		t.Fatal("expected Available() false before DialRemote")
	}
	conn.Close()
	conn.Wait()
}

// TestRemoteCloseDisposesS5 exercises spec.md's S5 scenario: once the
// remote side closes, the connection disposes exactly once with no
// further reads or writes.
func TestRemoteCloseDisposesS5(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	inboundConn, _, closeInbound := pipeTransports()
	defer closeInbound()
	outboundConn, _, closeOutbound := pipeTransports()
	defer closeOutbound()

	cfg := &config.Config{
		IP:        addr.IP.String(),
		Port:      uint16(addr.Port),
		Alignment: 65535,
	}

	var disposed int
	conn := New(4, cfg, inboundConn, outboundConn, func(*Connection) { disposed++ })
	if !conn.DialRemote(context.Background()) {
		t.Fatal("DialRemote returned false")
	}

	var remoteSide net.Conn
	select {
	case remoteSide = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted")
	}
	ln.Close()

	deadline := time.After(2 * time.Second)
	for !conn.Available() {
		select {
		case <-deadline:
			t.Fatal("connection never became available")
		case <-time.After(5 * time.Millisecond):
		}
	}

	remoteSide.Close()

	deadline = time.After(2 * time.Second)
	for !conn.IsDisposed() {
		select {
		case <-deadline:
			t.Fatal("connection never disposed after remote close")
		case <-time.After(5 * time.Millisecond):
		}
	}
	conn.Wait()

	if disposed != 1 {
		t.Fatalf("expected exactly one DisposedEvent firing, got %d", disposed)
	}
}
