package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
)

const tlsHandshakeTimeout = 10 * time.Second

// UTLS dials with a spoofed Chrome ClientHello so the obfuscated TCP
// transport's outer handshake looks like ordinary browser traffic to a
// passive observer, the same camouflage the teacher's relay and VPN
// dial paths apply before layering smux/KCP on top.
type UTLS struct {
	conn *utls.UConn
	ctx  context.Context
}

// DialUTLS performs the uTLS handshake over an already-connected raw
// TCP socket and wraps the result.
func DialUTLS(ctx context.Context, raw net.Conn, serverName string, insecureSkipVerify bool) (*UTLS, error) {
	uconn := utls.UClient(raw, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         utls.VersionTLS12,
		MaxVersion:         utls.VersionTLS13,
	}, utls.HelloChrome_Auto)

	_ = raw.SetDeadline(time.Now().Add(tlsHandshakeTimeout))
	if err := uconn.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("utls handshake: %w", err)
	}
	_ = raw.SetDeadline(time.Time{})

	return &UTLS{conn: uconn, ctx: ctx}, nil
}

func (u *UTLS) Read(p []byte) (int, error)  { return u.conn.Read(p) }
func (u *UTLS) Write(p []byte) (int, error) { return u.conn.Write(p) }
func (u *UTLS) Close() error                { return u.conn.Close() }
func (u *UTLS) Context() context.Context    { return u.ctx }
