// Package socketfactory constructs the outbound TCP socket the tunnel
// core dials to reach the remote endpoint, applying the configured
// socket options the way the teacher's createReusableListener applies
// SO_REUSEADDR/SO_REUSEPORT on the accept side — a syscall.RawConn
// Control callback plumbed through the standard library dialer.
package socketfactory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/wu2305/traffic-splitter/internal/config"
)

// ErrInvalidEndpoint is returned by Validate (and by New, wrapping it)
// when the remote address is missing, unspecified, multicast, or
// carries an out-of-range port. Callers must treat this as a
// precondition violation — no side effects, no disposal — while any
// other error from New is a genuine dial failure.
var ErrInvalidEndpoint = errors.New("socketfactory: invalid endpoint")

// Validate rejects an unspecified or multicast address, or a port
// outside (0, 65535], without attempting to open a socket.
func Validate(remoteAddr *net.TCPAddr) error {
	if remoteAddr == nil || remoteAddr.IP == nil || remoteAddr.IP.IsUnspecified() || remoteAddr.IP.IsMulticast() {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, remoteAddr)
	}
	if remoteAddr.Port <= 0 || remoteAddr.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidEndpoint, remoteAddr.Port)
	}
	return nil
}

// New dials remoteAddr and applies cfg's socket options. It runs
// Validate first and returns its ErrInvalidEndpoint-wrapping error for
// a bad endpoint; a missing cfg is also rejected before dialing. Any
// other error is a dial failure.
func New(ctx context.Context, cfg *config.Config, remoteAddr *net.TCPAddr) (net.Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("socketfactory: missing configuration")
	}
	if err := Validate(remoteAddr); err != nil {
		return nil, err
	}

	dialer := net.Dialer{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				applySocketOptions(fd, cfg)
			})
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", remoteAddr.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewFromInbound reads the remote endpoint from
// cfg.Inbound.IP/cfg.Inbound.Port, the default-overload behavior
// spec.md describes for the socket factory.
func NewFromInbound(ctx context.Context, cfg *config.Config) (net.Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("socketfactory: missing configuration")
	}
	ip := net.ParseIP(cfg.Inbound.IP)
	if ip == nil || ip.IsUnspecified() || ip.IsMulticast() {
		return nil, fmt.Errorf("%w: inbound %q", ErrInvalidEndpoint, cfg.Inbound.IP)
	}
	return New(ctx, cfg, &net.TCPAddr{IP: ip, Port: int(cfg.Inbound.Port)})
}
