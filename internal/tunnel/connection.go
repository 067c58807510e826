// Package tunnel implements the per-connection relay core: the
// Connection type bridges an already-accepted inbound logical
// transport to a freshly dialled remote TCP socket, forwards bytes
// between that remote and an outbound logical transport, and drives a
// randomized keep-alive. The handshake itself is done beforehand by
// internal/handshake; this package does not perform it.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"github.com/wu2305/traffic-splitter/internal/config"
	"github.com/wu2305/traffic-splitter/internal/randutil"
	"github.com/wu2305/traffic-splitter/internal/resolver"
	"github.com/wu2305/traffic-splitter/internal/socketfactory"
	"github.com/wu2305/traffic-splitter/internal/transport"
)

// keepAliveMinDelay and keepAliveMaxDelay bound the one-shot timer's
// randomized fire delay (spec.md §4.5).
const (
	keepAliveMinDelay = 100 * time.Millisecond
	keepAliveMaxDelay = 500 * time.Millisecond

	keepAlivePayloadMin = 8
	keepAlivePayloadMax = 64
)

// DisposedFunc is invoked exactly once, after every sub-resource has
// been released, when a Connection disposes.
type DisposedFunc func(*Connection)

// Connection is the relay bound to one {inbound, outbound, remote}
// triplet. See spec.md §3 for the full invariant list; the short
// version is: every mutator becomes a no-op once disposed is set, and
// disposal releases every sub-resource exactly once regardless of how
// many goroutines observe it happening.
type Connection struct {
	ID      int64
	TraceID uuid.UUID

	cfg *config.Config
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	inbound        transport.Transport
	outbound       transport.Transport
	remote         net.Conn
	buffer         *bytebufferpool.ByteBuffer
	resolverCancel context.CancelFunc
	timer          *time.Timer

	disposed  atomic.Bool
	available atomic.Bool

	disposeOnce sync.Once
	onDisposed  DisposedFunc

	wg sync.WaitGroup
}

// New constructs a Connection in the New state. It performs no I/O.
func New(id int64, cfg *config.Config, inbound, outbound transport.Transport, onDisposed DisposedFunc) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	traceID := uuid.New()

	c := &Connection{
		ID:         id,
		TraceID:    traceID,
		cfg:        cfg,
		inbound:    inbound,
		outbound:   outbound,
		ctx:        ctx,
		cancel:     cancel,
		onDisposed: onDisposed,
	}
	c.log = logrus.WithFields(logrus.Fields{
		"id":       id,
		"trace_id": traceID.String(),
	})
	return c
}

// isNone reports disposal or any missing required collaborator,
// spec.md §4.6's IsNone.
func (c *Connection) isNone() bool {
	if c.disposed.Load() || c.cfg == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound == nil || c.outbound == nil
}

// IsDisposed is isNone widened with the remote socket and buffer, per
// spec.md §4.6.
func (c *Connection) IsDisposed() bool {
	if c.isNone() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote == nil || c.buffer == nil
}

// Available reports whether both pumps (and keep-alive, if enabled)
// are armed and the connection has not since faulted.
func (c *Connection) Available() bool {
	return c.available.Load() && !c.IsDisposed()
}

// BindRemote adopts an already-connected remote socket — the
// Listening path taken when the caller has pre-accepted the remote
// leg itself. It is the network-provided half of spec.md §4.6's
// Listen.
func (c *Connection) BindRemote(remote net.Conn) bool {
	if c.disposed.Load() {
		return false
	}
	c.mu.Lock()
	if c.buffer != nil {
		c.mu.Unlock()
		return false
	}
	c.buffer = leaseBuffer(c.cfg.MSS())
	c.remote = remote
	c.mu.Unlock()

	ok := c.establishRemoteSocket()
	c.available.Store(ok)
	return ok
}

// DialRemote is the Connecting path: it resolves (if
// Configuration.Domain is set) and dials the configured peer. It
// returns quickly — dialing itself, and any DNS lookup, happen on a
// background goroutine; the eventual outcome only ever manifests as
// the connection becoming Available or disposing.
func (c *Connection) DialRemote(ctx context.Context) bool {
	if c.isNone() {
		return false
	}
	c.mu.Lock()
	if c.buffer != nil || c.remote != nil {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	if c.cfg.Domain {
		c.mu.Lock()
		c.buffer = leaseBuffer(c.cfg.MSS())
		c.mu.Unlock()
		return c.dialViaResolver(ctx)
	}

	// The static-address form is a precondition violation, not an
	// async I/O failure: spec.md §7 requires it to return false with
	// no side effects, so validate before touching the buffer or
	// spawning the dial goroutine.
	addr := &net.TCPAddr{IP: net.ParseIP(c.cfg.IP), Port: int(c.cfg.Port)}
	if err := socketfactory.Validate(addr); err != nil {
		c.log.WithError(err).Debug("rejecting invalid remote endpoint")
		return false
	}

	c.mu.Lock()
	c.buffer = leaseBuffer(c.cfg.MSS())
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectRemoteSocket(ctx, addr)
	}()
	return true
}

func (c *Connection) dialViaResolver(ctx context.Context) bool {
	resolveCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.resolverCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		addr, err := resolver.Lookup(resolveCtx, c.cfg.IP, c.cfg.Port)
		c.mu.Lock()
		c.resolverCancel = nil
		c.mu.Unlock()

		if c.disposed.Load() {
			return
		}
		if err != nil {
			c.log.WithError(err).Warn("hostname resolution failed")
			c.Close()
			return
		}
		c.connectRemoteSocket(resolveCtx, addr)
	}()
	return true
}

// connectRemoteSocket constructs a new socket via the factory and
// arms the pumps on success. An invalid endpoint or any dial failure
// closes the connection and returns false.
func (c *Connection) connectRemoteSocket(ctx context.Context, addr *net.TCPAddr) bool {
	if err := socketfactory.Validate(addr); err != nil {
		c.log.WithError(err).Debug("rejecting invalid remote endpoint")
		c.Close()
		return false
	}

	conn, err := socketfactory.New(ctx, c.cfg, addr)
	if err != nil {
		c.log.WithError(err).Warn("dialing remote endpoint failed")
		c.Close()
		return false
	}

	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.remote = conn
	c.mu.Unlock()

	ok := c.establishRemoteSocket()
	c.available.Store(ok)
	if !ok {
		c.Close()
	}
	return true
}

// establishRemoteSocket arms both forwarding pumps and, if enabled,
// both keep-alive cycles. It returns true only if every arming step
// succeeded.
func (c *Connection) establishRemoteSocket() bool {
	if c.disposed.Load() {
		return false
	}

	c.mu.Lock()
	inbound, outbound, remote, buf := c.inbound, c.outbound, c.remote, c.buffer
	c.mu.Unlock()

	if inbound == nil || outbound == nil || remote == nil || buf == nil {
		return false
	}

	c.armPump(func() { c.pumpInboundToRemote(inbound, remote) })
	c.armPump(func() { c.pumpRemoteToOutbound(remote, outbound, buf.B) })

	if c.cfg.KeepAlived {
		if inbound == outbound {
			// A single physical transport can't carry both a pump's
			// Read/Write and the keep-alive driver's independent
			// Read/Write without two goroutines racing on the same
			// stream: pump A and the drain would both call Read on
			// the same object, and pump B and the send cycle would
			// both call Write on it, corrupting the forwarded bytes
			// (see internal/transport/framed.go's unsynchronized
			// pending field). Skip arming keep-alive rather than
			// share it unsafely; it only ever runs when inbound and
			// outbound are genuinely distinct legs.
			c.log.Warn("keep-alive disabled: inbound and outbound share one transport")
		} else {
			c.armPump(func() { c.keepAliveReadDrain(outbound) })
			c.armPump(func() { c.keepAliveSendCycle(inbound) })
		}
	}
	return true
}

func (c *Connection) armPump(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close disposes of the connection. It is safe to call any number of
// times and from any goroutine.
func (c *Connection) Close() {
	c.Dispose()
}

// Dispose performs the disposal actions exactly once: close inbound,
// close outbound, close remote, cancel and drop the resolver, release
// the buffer, clear the pending timer, and finally fire OnDisposed.
func (c *Connection) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	c.disposeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		inbound, outbound, remote := c.inbound, c.outbound, c.remote
		resolverCancel := c.resolverCancel
		timer := c.timer
		buf := c.buffer
		c.inbound, c.outbound, c.remote = nil, nil, nil
		c.resolverCancel, c.timer, c.buffer = nil, nil, nil
		c.mu.Unlock()

		var errs *multierror.Error
		if inbound != nil {
			if err := inbound.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close inbound: %w", err))
			}
		}
		if outbound != nil {
			if err := outbound.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close outbound: %w", err))
			}
		}
		if remote != nil {
			if err := remote.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("close remote: %w", err))
			}
		}
		if resolverCancel != nil {
			resolverCancel()
		}
		releaseBuffer(buf)
		if timer != nil {
			timer.Stop()
		}

		if errs.ErrorOrNil() != nil {
			c.log.WithError(errs).Debug("errors while closing sub-resources")
		}

		onDisposed := c.onDisposed
		c.onDisposed = nil
		if onDisposed != nil {
			onDisposed(c)
		}
	})
}

// Wait blocks until every pump and keep-alive goroutine this
// Connection ever started has returned. It has no equivalent in
// spec.md — the core never needs to join its own goroutines — but
// tests use it to make disposal fully deterministic before asserting
// no goroutines leaked.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// randomKeepAliveDelay draws the next keep-alive timer delay.
func randomKeepAliveDelay() time.Duration {
	lo := int64(keepAliveMinDelay / time.Millisecond)
	hi := int64(keepAliveMaxDelay / time.Millisecond)
	return time.Duration(lo+randutil.Int63n(hi-lo)) * time.Millisecond
}
