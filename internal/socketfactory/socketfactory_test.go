package socketfactory

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wu2305/traffic-splitter/internal/config"
)

func TestValidateRejectsUnspecifiedAddress(t *testing.T) {
	err := Validate(&net.TCPAddr{IP: net.IPv4zero, Port: 80})
	require.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestValidateRejectsMulticastAddress(t *testing.T) {
	err := Validate(&net.TCPAddr{IP: net.ParseIP("239.0.0.1"), Port: 80})
	require.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	err := Validate(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.ErrorIs(t, err, ErrInvalidEndpoint)

	err = Validate(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 70000})
	require.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestValidateAcceptsOrdinaryLoopback(t *testing.T) {
	err := Validate(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9})
	require.NoError(t, err)
}

func TestNewRejectsInvalidEndpointWithoutDialing(t *testing.T) {
	cfg := config.Default()
	_, err := New(context.Background(), cfg, &net.TCPAddr{IP: net.IPv4zero, Port: 80})
	require.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestNewDialsReachableLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	cfg := config.Default()
	addr := ln.Addr().(*net.TCPAddr)
	conn, err := New(context.Background(), cfg, addr)
	require.NoError(t, err)
	defer conn.Close()
}

func TestNewFromInboundRejectsUnspecifiedInbound(t *testing.T) {
	cfg := config.Default()
	cfg.Inbound = config.Endpoint{IP: "0.0.0.0", Port: 80}
	_, err := NewFromInbound(context.Background(), cfg)
	require.ErrorIs(t, err, ErrInvalidEndpoint)
}
