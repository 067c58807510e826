//go:build !linux

package socketfactory

import "github.com/wu2305/traffic-splitter/internal/config"

// applySocketOptions is a best-effort no-op outside Linux: TCP_FASTOPEN
// and DF-bit control aren't exposed uniformly across platforms, and
// spec.md requires every option failure here to be swallowed anyway.
func applySocketOptions(fd uintptr, cfg *config.Config) {}
