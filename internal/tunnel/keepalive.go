package tunnel

import (
	"time"

	"github.com/wu2305/traffic-splitter/internal/randutil"
	"github.com/wu2305/traffic-splitter/internal/transport"
)

// keepAliveReadDrain issues a read on outbound and discards whatever
// comes back, re-arming itself; a length-less-than-1 delivery closes
// the connection. This prevents unacknowledged keep-alive frames from
// piling up unread on the peer's side of outbound.
func (c *Connection) keepAliveReadDrain(outbound transport.Transport) {
	buf := make([]byte, keepAlivePayloadMax)
	for !c.disposed.Load() {
		n, err := outbound.Read(buf)
		if err != nil || n < 1 {
			c.log.WithError(err).Debug("keep-alive read drain ended")
			c.Close()
			return
		}
	}
}

// keepAliveSendCycle is the one-shot-timer-then-write loop of
// spec.md §4.5: on each iteration it arms a single pending timer for a
// random delay in [keepAliveMinDelay, keepAliveMaxDelay), clears the
// handle the instant the timer fires, then writes a random-length
// printable-ASCII payload to inbound and loops. Disposal cancels the
// connection's context, which wakes the timer wait immediately instead
// of leaving the goroutine to sleep out a stale delay.
func (c *Connection) keepAliveSendCycle(inbound transport.Transport) {
	for {
		timer := time.NewTimer(randomKeepAliveDelay())
		c.mu.Lock()
		c.timer = timer
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()

		if c.disposed.Load() {
			return
		}

		size := randutil.IntRange(keepAlivePayloadMin, keepAlivePayloadMax)
		payload := make([]byte, size)
		randutil.Fill(payload)

		if _, err := inbound.Write(payload); err != nil {
			c.log.WithError(err).Debug("keep-alive send failed")
			c.Close()
			return
		}
	}
}
