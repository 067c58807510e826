// Package config defines the configuration surface the tunnel core
// reads (spec.md §6.1) plus the operational fields cmd/tunnelrelay
// needs to wire everything together. Loading is intentionally thin —
// a YAML file plus flag overrides, in the style of the teacher's own
// flag-heavy main() — since the loader itself is an external
// collaborator the core never touches.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Endpoint is a bare IP/port pair, used for both the remote peer and
// (per spec.md §4.2) the inbound-derived default socket-factory
// overload.
type Endpoint struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// TransportKind selects which transport.Transport implementation
// cmd/tunnelrelay constructs for the inbound/outbound legs.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportFramed    TransportKind = "framed"
	TransportSmux      TransportKind = "smux"
	TransportKCP       TransportKind = "kcp"
	TransportWebSocket TransportKind = "websocket"
	// TransportUTLS is a client-only dial transport: a raw TCP dial
	// wrapped in a uTLS handshake presenting a spoofed Chrome
	// ClientHello. There is no server-side accept counterpart:
	// cmd/tunnelrelay's server mode has no TLS listener and accepts
	// plain TCP legs when this kind is configured.
	TransportUTLS TransportKind = "utls"
)

// Config is the tunable policy a Connection reads. Fields under the
// "core" tag mirror spec.md §6.1 exactly; the rest are ambient
// wiring for cmd/tunnelrelay.
type Config struct {
	// Core surface (spec.md §6.1).
	IP         string   `yaml:"ip"`
	Port       uint16   `yaml:"port"`
	Domain     bool     `yaml:"domain"`
	Inbound    Endpoint `yaml:"inbound"`
	Alignment  int      `yaml:"alignment"`
	KeepAlived bool     `yaml:"keep_alived"`
	Turbo      bool     `yaml:"turbo"`
	FastOpen   bool     `yaml:"fast_open"`

	// Operational wiring, outside the core's contract.
	ListenAddr string        `yaml:"listen_addr"`
	Transport  TransportKind `yaml:"transport"`
	LogLevel   string        `yaml:"log_level"`
}

// Load reads a YAML configuration file and fills in defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with every field at its spec.md-documented
// default.
func Default() *Config {
	return &Config{
		Alignment:  65535,
		Transport:  TransportTCP,
		ListenAddr: ":9000",
		LogLevel:   "info",
	}
}

// MSS resolves the maximum per-read forwarding size: Alignment when it
// falls within [512, 65535], the spec's default of 65535 otherwise.
func (c *Config) MSS() int {
	const (
		defaultMSS = 65535
		minMSS     = 512
	)
	if c.Alignment >= minMSS && c.Alignment <= defaultMSS {
		return c.Alignment
	}
	return defaultMSS
}
