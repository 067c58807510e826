// Command tunnelrelay is the flag-driven entrypoint for the tunnel
// core, in the style of the teacher's own single-binary main(): one
// process, a -mode switch, and a handful of flags overriding whatever
// YAML config was loaded.
//
// Two modes share the same core:
//
//   - server (the exit node): accepts obfuscated tunnel legs on
//     -listen and, per accepted leg, dials the real backend named by
//     -remote-ip/-remote-port via Connection.DialRemote.
//   - client (the ingress node): dials the tunnel server named by
//     -remote-ip/-remote-port, completes the client half of the
//     handshake, then adopts the local service named by
//     -inbound-ip/-inbound-port via socketfactory.NewFromInbound and
//     Connection.BindRemote.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	kcp "github.com/xtaci/kcp-go/v5"
	smux "github.com/xtaci/smux"

	"github.com/sirupsen/logrus"

	"github.com/wu2305/traffic-splitter/internal/config"
	"github.com/wu2305/traffic-splitter/internal/handshake"
	"github.com/wu2305/traffic-splitter/internal/randutil"
	"github.com/wu2305/traffic-splitter/internal/socketfactory"
	"github.com/wu2305/traffic-splitter/internal/transport"
	"github.com/wu2305/traffic-splitter/internal/tunnel"
)

func main() {
	mode := flag.String("mode", "", "Mode: server or client")
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	listen := flag.String("listen", "", "Address to listen on (server mode)")
	remoteIP := flag.String("remote-ip", "", "Backend IP (server mode) or tunnel server IP (client mode)")
	remotePort := flag.Int("remote-port", 0, "Backend port (server mode) or tunnel server port (client mode)")
	inboundIP := flag.String("inbound-ip", "", "Local service IP the client mode exposes into the tunnel")
	inboundPort := flag.Int("inbound-port", 0, "Local service port the client mode exposes into the tunnel")
	transportKind := flag.String("transport", "", "Transport: tcp, framed, smux, kcp, websocket, utls (client only)")
	domain := flag.String("sni", "", "TLS server name for utls dials")
	flag.Parse()

	cfg := loadConfig(*configPath)
	applyFlagOverrides(cfg, *listen, *remoteIP, *remotePort, *inboundIP, *inboundPort, *transportKind)

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "server":
		runServer(ctx, cfg)
	case "client":
		runClient(ctx, cfg, *domain)
	default:
		logrus.Fatal("must pass -mode server or -mode client")
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	return cfg
}

func applyFlagOverrides(cfg *config.Config, listen, remoteIP string, remotePort int, inboundIP string, inboundPort int, transportKind string) {
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if remoteIP != "" {
		cfg.IP = remoteIP
	}
	if remotePort != 0 {
		cfg.Port = uint16(remotePort)
	}
	if inboundIP != "" {
		cfg.Inbound.IP = inboundIP
	}
	if inboundPort != 0 {
		cfg.Inbound.Port = uint16(inboundPort)
	}
	if transportKind != "" {
		cfg.Transport = config.TransportKind(transportKind)
	}
}

// registry hands out connection ids and tracks the live connections
// by id until they dispose; the core itself needs no such bookkeeping.
type registry struct {
	mu    sync.Mutex
	byID  map[int64]*tunnel.Connection
	nextID int64
}

func newRegistry() *registry {
	return &registry{byID: make(map[int64]*tunnel.Connection)}
}

func (r *registry) add(c *tunnel.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID] = c
}

func (r *registry) remove(c *tunnel.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, c.ID)
}

func (r *registry) allocateID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func nextChannelID(transport.Transport) uint32 {
	return uint32(randutil.IntRange(1, 1<<31))
}

// runServer is the exit node: it accepts obfuscated tunnel legs on
// cfg.ListenAddr and, for each one, dials the real backend at
// cfg.IP:cfg.Port.
func runServer(ctx context.Context, cfg *config.Config) {
	reg := newRegistry()
	logrus.WithFields(logrus.Fields{
		"listen":    cfg.ListenAddr,
		"transport": cfg.Transport,
		"backend":   fmt.Sprintf("%s:%d", cfg.IP, cfg.Port),
	}).Info("tunnelrelay: starting server")

	acceptLoop := func(accept func() (transport.Transport, error)) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t, err := accept()
			if err != nil {
				logrus.WithError(err).Warn("accept failed")
				continue
			}
			go serveInbound(ctx, cfg, reg, t)
		}
	}

	switch cfg.Transport {
	case config.TransportKCP:
		lis, err := kcp.ListenWithOptions(cfg.ListenAddr, nil, 0, 0)
		if err != nil {
			logrus.WithError(err).Fatal("kcp listen failed")
		}
		go func() {
			<-ctx.Done()
			lis.Close()
		}()
		go acceptLoop(func() (transport.Transport, error) {
			sess, err := lis.AcceptKCP()
			if err != nil {
				return nil, err
			}
			return transport.NewKCP(ctx, sess, true, 20*time.Millisecond), nil
		})
	case config.TransportWebSocket:
		upgrader := websocket.Upgrader{}
		srv := &http.Server{
			Addr: cfg.ListenAddr,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				wsConn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					logrus.WithError(err).Warn("websocket upgrade failed")
					return
				}
				go serveInbound(ctx, cfg, reg, transport.NewWebSocket(ctx, wsConn))
			}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Fatal("websocket listen failed")
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	default:
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			logrus.WithError(err).Fatal("tcp listen failed")
		}
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		go acceptLoop(func() (transport.Transport, error) {
			conn, err := ln.Accept()
			if err != nil {
				return nil, err
			}
			return wrapAcceptedConn(ctx, cfg, conn)
		})
	}

	<-ctx.Done()
}

// wrapAcceptedConn layers TCP, Framed, or Smux over an already
// accepted raw connection, matching the accept-side counterpart of
// dialTunnelLeg.
func wrapAcceptedConn(ctx context.Context, cfg *config.Config, conn net.Conn) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportFramed:
		return transport.NewFramed(ctx, conn), nil
	case config.TransportSmux:
		sess, err := smux.Server(conn, nil)
		if err != nil {
			return nil, err
		}
		stream, err := sess.AcceptStream()
		if err != nil {
			return nil, err
		}
		return transport.NewSmux(ctx, stream), nil
	default:
		return transport.NewTCP(ctx, conn), nil
	}
}

func serveInbound(ctx context.Context, cfg *config.Config, reg *registry, t transport.Transport) {
	var handshakeOK bool
	dispatched := handshake.AcceptAsync(ctx, t, cfg.MSS(), nextChannelID, func(success bool, channelID uint32) {
		handshakeOK = success
		if !success {
			logrus.Debug("server-side handshake failed")
			_ = t.Close()
			return
		}
		logrus.WithField("channel_id", channelID).Debug("server-side handshake completed")
	})
	if !dispatched {
		_ = t.Close()
		return
	}
	if !handshakeOK {
		return
	}

	id := reg.allocateID()
	c := tunnel.New(id, cfg, t, t, reg.remove)
	reg.add(c)

	if !c.DialRemote(ctx) {
		logrus.WithField("id", id).Warn("failed to establish backend connection")
		return
	}
	logrus.WithField("id", id).Info("tunnel connection established")
}

// runClient is the ingress node: it dials the tunnel server named by
// cfg.IP:cfg.Port, completes the client half of the handshake, then
// adopts the local service named by cfg.Inbound as the connection's
// remote leg.
func runClient(ctx context.Context, cfg *config.Config, sni string) {
	reg := newRegistry()
	logrus.WithFields(logrus.Fields{
		"server":    fmt.Sprintf("%s:%d", cfg.IP, cfg.Port),
		"transport": cfg.Transport,
		"exposes":   fmt.Sprintf("%s:%d", cfg.Inbound.IP, cfg.Inbound.Port),
	}).Info("tunnelrelay: starting client")

	backoff := newReconnectBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := dialTunnelLeg(ctx, cfg, sni)
		if err != nil {
			d := backoff.Duration()
			logrus.WithError(err).WithField("retry_in", d).Warn("dialing tunnel server failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		var channelID uint32
		ok := handshake.AcceptAsyncClient(ctx, t, func(success bool, id uint32) {
			channelID = id
			if !success {
				_ = t.Close()
			}
		})
		if !ok || channelID == 0 {
			d := backoff.Duration()
			logrus.WithField("retry_in", d).Warn("tunnel handshake failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		backoff.Reset()

		remote, err := socketfactory.NewFromInbound(ctx, cfg)
		if err != nil {
			logrus.WithError(err).Warn("dialing local backend failed")
			_ = t.Close()
			continue
		}

		id := reg.allocateID()
		c := tunnel.New(id, cfg, t, t, reg.remove)
		reg.add(c)
		if !c.BindRemote(remote) {
			logrus.WithField("id", id).Warn("failed to bind local backend")
			continue
		}
		logrus.WithField("id", id).Info("tunnel connection established")

		c.Wait()
	}
}

// dialTunnelLeg dials one physical connection to the tunnel server and
// layers the configured transport on top, matching wrapAcceptedConn's
// accept-side counterpart.
func dialTunnelLeg(ctx context.Context, cfg *config.Config, sni string) (transport.Transport, error) {
	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)

	switch cfg.Transport {
	case config.TransportKCP:
		sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		return transport.NewKCP(ctx, sess, true, 20*time.Millisecond), nil
	case config.TransportWebSocket:
		url := fmt.Sprintf("ws://%s/", addr)
		wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return transport.NewWebSocket(ctx, wsConn), nil
	case config.TransportUTLS:
		raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		serverName := sni
		if serverName == "" {
			serverName = cfg.IP
		}
		return transport.DialUTLS(ctx, raw, serverName, false)
	case config.TransportSmux:
		raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		sess, err := smux.Client(raw, nil)
		if err != nil {
			return nil, err
		}
		return transport.DialSmux(ctx, sess)
	case config.TransportFramed:
		raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return transport.NewFramed(ctx, raw), nil
	default:
		raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return transport.NewTCP(ctx, raw), nil
	}
}
