package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRendezvousURL is the public mailbox server used when no override is
// configured (spec.md §6).
const DefaultRendezvousURL = "wss://mailbox.mw.leastauthority.com/v1"

// RelayHint names a relay server transit may fall back to.
type RelayHint struct {
	Name     string `yaml:"name"`
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

// Config parameterizes a wormhole session end to end. The zero value is not
// directly usable; call New for sane defaults.
type Config struct {
	// RendezvousURL is the mailbox server WebSocket endpoint.
	RendezvousURL string `yaml:"rendezvous_url"`

	// AppID namespaces all derived keys (spec.md §3 "AppId").
	AppID string `yaml:"appid"`

	// WebSocketIdleTimeout bounds how long the rendezvous connection may sit
	// without a ping/pong before it is considered lost (spec.md §5).
	WebSocketIdleTimeout time.Duration `yaml:"websocket_idle_timeout"`

	// TCPDialTimeout bounds a single transit hint's TCP connect attempt.
	TCPDialTimeout time.Duration `yaml:"tcp_dial_timeout"`

	// TransitHandshakeTimeout bounds the post-connect transit handshake.
	TransitHandshakeTimeout time.Duration `yaml:"transit_handshake_timeout"`

	// PeerWaitTimeout bounds how long the host waits in Session.Ready for the
	// peer to show up before giving up. Zero means wait forever (spec.md §9
	// Open Question: "no hard deadline").
	PeerWaitTimeout time.Duration `yaml:"peer_wait_timeout"`

	// ForceDirect suppresses relay hints entirely.
	ForceDirect bool `yaml:"force_direct"`

	// ForceRelay suppresses direct-tcp hints entirely.
	ForceRelay bool `yaml:"force_relay"`

	// STUNServer, if set, is queried once per transit session to learn a
	// public direct-tcp hint candidate (spec.md §2.2 domain stack
	// enrichment). Empty disables STUN discovery.
	STUNServer string `yaml:"stun_server"`

	// RelayHints are additional relay servers offered alongside any
	// statically configured default relay.
	RelayHints []RelayHint `yaml:"relay_hints"`
}

// New returns a Config with the documented defaults.
func New() *Config {
	return &Config{
		RendezvousURL:           DefaultRendezvousURL,
		AppID:                   "lothar.com/wormhole/text-or-file-xfer",
		WebSocketIdleTimeout:    30 * time.Second,
		TCPDialTimeout:          10 * time.Second,
		TransitHandshakeTimeout: 30 * time.Second,
		PeerWaitTimeout:         0,
		ForceDirect:             false,
		ForceRelay:              false,
	}
}

// Load reads a YAML config file and overlays it on the documented defaults.
// A missing file is not an error: New()'s defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks for contradictory options.
func (c *Config) Validate() error {
	if c.ForceDirect && c.ForceRelay {
		return fmt.Errorf("config: force_direct and force_relay are mutually exclusive")
	}
	if c.AppID == "" {
		return fmt.Errorf("config: appid must not be empty")
	}
	return nil
}
