// Package config loads zouncp configuration from YAML
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hujun-open/zouncp/fsm"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the config fails validation
var ErrInvalidConfig = errors.New("invalid config")

// FSMConfig is the config shared by all control protocol FSMs
type FSMConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxConfReq  int           `yaml:"max_conf_req"`
	MaxTerm     int           `yaml:"max_term"`
	MaxNakLoops int           `yaml:"max_nak_loops"`
	Passive     bool          `yaml:"passive"`
	Silent      bool          `yaml:"silent"`
	// PeerMRU caps the size of Conf-Req sent
	PeerMRU int `yaml:"peer_mru"`
}

// IPCPConfig is the IPCP config
type IPCPConfig struct {
	Enabled bool `yaml:"enabled"`
	// Local is our address, 0.0.0.0 lets peer choose
	Local string `yaml:"local"`
	// Remote is the address suggested to peer
	Remote       string   `yaml:"remote"`
	AcceptLocal  bool     `yaml:"accept_local"`
	AcceptRemote bool     `yaml:"accept_remote"`
	VJ           bool     `yaml:"vj"`
	VJMaxSlots   int      `yaml:"vj_max_slots"`
	VJSlotComp   bool     `yaml:"vj_slot_comp"`
	OldAddrs     bool     `yaml:"old_addrs"`
	UsePeerDNS   bool     `yaml:"use_peer_dns"`
	UsePeerWINS  bool     `yaml:"use_peer_wins"`
	DNS          []string `yaml:"dns"`
	WINS         []string `yaml:"wins"`
	NoRemoteIP   bool     `yaml:"no_remote_ip"`
	AskForLocal  bool     `yaml:"ask_for_local"`
	DefaultRoute bool     `yaml:"default_route"`
	ProxyARP     bool     `yaml:"proxy_arp"`
	// AllowedRemote lists prefixes peer's address must be in, empty means any
	AllowedRemote []string `yaml:"allowed_remote"`
}

// IPXCPConfig is the IPXCP config
type IPXCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Network uint32 `yaml:"network"`
	// LocalNode and RemoteNode are 12 hex digits, all zero means unknown
	LocalNode  string `yaml:"local_node"`
	RemoteNode string `yaml:"remote_node"`
	RouterName string `yaml:"router_name"`
	// Routing lists supported routing protocols: rip, nlsp or none
	Routing       []string `yaml:"routing"`
	AcceptLocal   bool     `yaml:"accept_local"`
	AcceptRemote  bool     `yaml:"accept_remote"`
	AcceptNetwork bool     `yaml:"accept_network"`
}

// Scripts are paths of scripts run when protocols go up or down
type Scripts struct {
	IPUp    string `yaml:"ip_up"`
	IPDown  string `yaml:"ip_down"`
	IPXUp   string `yaml:"ipx_up"`
	IPXDown string `yaml:"ipx_down"`
}

// Config is the zouncp config
type Config struct {
	// LogLevel is one of err, info, debug
	LogLevel string `yaml:"log_level"`
	// IfName is the PPP interface name
	IfName string `yaml:"ifname"`
	// TUN creates a TUN interface named IfName, otherwise interface operations are only recorded
	TUN     bool        `yaml:"tun"`
	FSM     FSMConfig   `yaml:"fsm"`
	IPCP    IPCPConfig  `yaml:"ipcp"`
	IPXCP   IPXCPConfig `yaml:"ipxcp"`
	Scripts Scripts     `yaml:"scripts"`
	// IPParam is passed to scripts as ipparam argument
	IPParam string `yaml:"ipparam"`
	// MetricsListen is the listening address of Prometheus metrics, empty means disabled
	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the default config
func Default() *Config {
	return &Config{
		LogLevel: "info",
		IfName:   "ppp0",
		FSM: FSMConfig{
			Timeout:     fsm.DefaultTimeout,
			MaxConfReq:  fsm.DefaultMaxConfReq,
			MaxTerm:     fsm.DefaultMaxTerm,
			MaxNakLoops: fsm.DefaultMaxNakLoops,
			PeerMRU:     fsm.DefaultPeerMRU,
		},
		IPCP: IPCPConfig{
			Enabled:     true,
			Local:       "0.0.0.0",
			Remote:      "0.0.0.0",
			VJ:          true,
			VJMaxSlots:  16,
			VJSlotComp:  true,
			OldAddrs:    true,
			AskForLocal: true,
		},
		IPXCP: IPXCPConfig{
			LocalNode:  "000000000000",
			RemoteNode: "000000000000",
			Routing:    []string{"rip"},
		},
	}
}

// Parse decodes YAML in buf on top of the default config and validates the result
func Parse(buf []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(buf))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Load reads config file at path, see Parse
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Validate returns an error wrapping ErrInvalidConfig if any field is invalid
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.FSM.Timeout <= 0 {
		return fmt.Errorf("%w: fsm.timeout must be positive", ErrInvalidConfig)
	}
	if c.FSM.PeerMRU < fsm.MinPeerMRU {
		return fmt.Errorf("%w: fsm.peer_mru must be at least %d", ErrInvalidConfig, fsm.MinPeerMRU)
	}
	if c.FSM.MaxConfReq <= 0 || c.FSM.MaxTerm <= 0 || c.FSM.MaxNakLoops <= 0 {
		return fmt.Errorf("%w: fsm counters must be positive", ErrInvalidConfig)
	}
	if !c.IPCP.Enabled && !c.IPXCP.Enabled {
		return fmt.Errorf("%w: neither ipcp nor ipxcp is enabled", ErrInvalidConfig)
	}
	if _, _, _, err := c.IPCP.Build(Scripts{}, ""); err != nil {
		return fmt.Errorf("ipcp: %w", err)
	}
	if _, _, _, err := c.IPXCP.Build(Scripts{}, ""); err != nil {
		return fmt.Errorf("ipxcp: %w", err)
	}
	return nil
}

// Modifiers returns fsm.Modifier(s) of c
func (c FSMConfig) Modifiers() []fsm.Modifier {
	return []fsm.Modifier{
		fsm.WithTimeout(c.Timeout),
		fsm.WithMaxConfReq(c.MaxConfReq),
		fsm.WithMaxTerm(c.MaxTerm),
		fsm.WithMaxNakLoops(c.MaxNakLoops),
		fsm.WithPassive(c.Passive),
		fsm.WithSilent(c.Silent),
		fsm.WithPeerMRU(c.PeerMRU),
	}
}
