// Package resolver adapts net.DefaultResolver to the single
// hostname-to-endpoint lookup the tunnel core needs when
// Config.Domain is true. It exists as its own package because
// spec.md treats it as a distinct collaborator (C3) that the core
// constructs, uses once, and cancels on disposal.
package resolver

import (
	"context"
	"net"
)

// Lookup resolves host:port to a single TCP endpoint, canceling the
// underlying DNS query if ctx is done first. It returns the first
// resolved address, or an error if resolution failed or yielded no
// addresses — spec.md's Open Question #1 is resolved in favor of
// treating "no endpoint" as a lookup failure the caller closes on
// immediately, rather than deferring to the socket factory's later
// rejection of a zero endpoint.
func Lookup(ctx context.Context, host string, port uint16) (*net.TCPAddr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
	}
	return &net.TCPAddr{IP: ips[0].IP, Port: int(port)}, nil
}
