package main

import (
	"time"

	"github.com/jpillora/backoff"
)

// newReconnectBackoff builds the client mode's reconnect backoff,
// grounded on the same jpillora/backoff policy TheSmallBoat-carlo's
// RPC client uses to re-dial a disconnected peer.
func newReconnectBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}
