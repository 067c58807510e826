//go:build linux

package socketfactory

import (
	"syscall"

	"github.com/wu2305/traffic-splitter/internal/config"
)

const (
	ipTOSLowDelay     = 0x10
	tcpFastOpenOpt    = 23 // TCP_FASTOPEN
	ipMTUDiscoverOpt  = 10 // IP_MTU_DISCOVER
	ipPMTUDiscoverDNT = 0  // IP_PMTUDISC_DONT: clear the DF bit
)

// applySocketOptions applies the post-open options spec.md §4.2 names.
// Every failure here is swallowed: the socket is returned regardless,
// same as the original source's NewRemoteSocket.
func applySocketOptions(fd uintptr, cfg *config.Config) {
	_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, 262144)
	_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, 262144)
	_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, ipTOSLowDelay)
	_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, ipMTUDiscoverOpt, ipPMTUDiscoverDNT)
	_ = syscall.SetNonblock(int(fd), true)

	nodelay := 0
	if cfg.Turbo {
		nodelay = 1
	}
	_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, nodelay)

	if cfg.FastOpen {
		_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, tcpFastOpenOpt, 1)
	}

	// SIGPIPE is never delivered to a Go process via socket writes, so
	// there is nothing to disable here; the platform already behaves
	// as if MSG_NOSIGNAL were always set.
}
