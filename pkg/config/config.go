// Package config loads the lapdd YAML configuration: logging, capture and
// journal outputs, and one block per ISDN interface.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"avaneesh/lapd-go/pkg/channel"
	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/internal/logger"
	"avaneesh/lapd-go/pkg/link"
	"avaneesh/lapd-go/pkg/tei"
)

// Interface roles and modes as written in the file
const (
	RoleNetwork  = "network"
	RoleTerminal = "terminal"

	ModeMultipoint   = "multipoint"
	ModePointToPoint = "point-to-point"

	RateBasic   = "basic"
	RatePrimary = "primary"
)

// Transport types
const (
	TransportTCP    = "tcp"
	TransportUDP    = "udp"
	TransportQUIC   = "quic"
	TransportSerial = "serial"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the root of the configuration file
type Config struct {
	Log        LogConfig         `yaml:"log"`
	Capture    string            `yaml:"capture"` // pcap file, empty disables
	Journal    string            `yaml:"journal"` // SQLite file, empty disables
	Interfaces []InterfaceConfig `yaml:"interfaces"`
}

// LogConfig selects the logger
type LogConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	FrameDebug bool   `yaml:"frame_debug"`
}

// InterfaceConfig describes one D-channel
type InterfaceConfig struct {
	Name          string              `yaml:"name"`
	Role          string              `yaml:"role"`
	Mode          string              `yaml:"mode"`
	Rate          string              `yaml:"rate"`
	TEI           *int                `yaml:"tei"` // Static terminal TEI, dynamic when absent
	Transport     TransportConfig     `yaml:"transport"`
	TEIManagement TEIManagementConfig `yaml:"tei_management"`
	SAPs          []SAPConfig         `yaml:"saps"`
}

// TransportConfig selects and configures the physical channel
type TransportConfig struct {
	Type           string        `yaml:"type"`
	Address        string        `yaml:"address"`
	Server         bool          `yaml:"server"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Device         string        `yaml:"device"`
	Baud           int           `yaml:"baud"`
}

// TEIManagementConfig holds the TEI procedure timers
type TEIManagementConfig struct {
	T201          time.Duration `yaml:"t201"`
	T202          time.Duration `yaml:"t202"`
	N202          int           `yaml:"n202"`
	AuditInterval time.Duration `yaml:"audit_interval"`
}

// SAPConfig overrides the system parameters of one SAPI. Zero values keep
// the defaults for the interface rate.
type SAPConfig struct {
	SAPI      int           `yaml:"sapi"`
	K         int           `yaml:"k"`
	N200      int           `yaml:"n200"`
	N201      int           `yaml:"n201"`
	T200      time.Duration `yaml:"t200"`
	T203      time.Duration `yaml:"t203"`
	MaxQueued int           `yaml:"max_queued"`
	Listen    bool          `yaml:"listen"`    // Accept establishment by the peer
	Establish bool          `yaml:"establish"` // Establish at startup (terminal side)
}

// NewConfig returns a configuration with defaults and no interfaces
func NewConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, fills in defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	tm := tei.DefaultTerminalConfig()
	nm := tei.DefaultNetworkConfig()
	for i := range c.Interfaces {
		ic := &c.Interfaces[i]
		if ic.Name == "" {
			ic.Name = fmt.Sprintf("isdn%d", i)
		}
		ic.Role = strings.ToLower(ic.Role)
		if ic.Mode == "" {
			ic.Mode = ModeMultipoint
		}
		if ic.Rate == "" {
			ic.Rate = RateBasic
		}
		if ic.Transport.Type == "" {
			ic.Transport.Type = TransportTCP
		}
		if ic.Transport.ReconnectDelay == 0 {
			ic.Transport.ReconnectDelay = 5 * time.Second
		}
		if ic.TEIManagement.T201 == 0 {
			ic.TEIManagement.T201 = nm.T201
		}
		if ic.TEIManagement.T202 == 0 {
			ic.TEIManagement.T202 = tm.T202
		}
		if ic.TEIManagement.N202 == 0 {
			ic.TEIManagement.N202 = tm.N202
		}
		if len(ic.SAPs) == 0 {
			ic.SAPs = []SAPConfig{{SAPI: int(frame.SAPICallControl), Listen: true}}
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	names := make(map[string]bool)
	for i := range c.Interfaces {
		ic := &c.Interfaces[i]
		if names[ic.Name] {
			return fmt.Errorf("%w: duplicate interface %q", ErrInvalid, ic.Name)
		}
		names[ic.Name] = true
		if err := ic.Validate(); err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
	}
	return nil
}

// Validate checks one interface block
func (ic *InterfaceConfig) Validate() error {
	switch ic.Role {
	case RoleNetwork, RoleTerminal:
	default:
		return fmt.Errorf("%w: role %q", ErrInvalid, ic.Role)
	}
	switch ic.Mode {
	case ModeMultipoint, ModePointToPoint:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalid, ic.Mode)
	}
	switch ic.Rate {
	case RateBasic, RatePrimary:
	default:
		return fmt.Errorf("%w: rate %q", ErrInvalid, ic.Rate)
	}
	if ic.TEI != nil {
		if ic.Role != RoleTerminal {
			return fmt.Errorf("%w: static TEI on a network interface", ErrInvalid)
		}
		if *ic.TEI < 0 || *ic.TEI > int(frame.MaxStaticTEI) {
			return fmt.Errorf("%w: static TEI %d not in 0..%d", ErrInvalid, *ic.TEI, frame.MaxStaticTEI)
		}
	}
	if err := ic.Transport.Validate(); err != nil {
		return err
	}
	if ic.TEIManagement.N202 < 0 || ic.TEIManagement.T201 < 0 || ic.TEIManagement.T202 < 0 || ic.TEIManagement.AuditInterval < 0 {
		return fmt.Errorf("%w: negative TEI management parameter", ErrInvalid)
	}

	seen := make(map[int]bool)
	for _, sc := range ic.SAPs {
		if sc.SAPI < 0 || sc.SAPI >= int(frame.SAPIManagement) {
			return fmt.Errorf("%w: SAPI %d", ErrInvalid, sc.SAPI)
		}
		if seen[sc.SAPI] {
			return fmt.Errorf("%w: SAPI %d configured twice", ErrInvalid, sc.SAPI)
		}
		seen[sc.SAPI] = true
		if sc.Establish && ic.Role != RoleTerminal {
			return fmt.Errorf("%w: SAPI %d: establish is only valid on a terminal", ErrInvalid, sc.SAPI)
		}
		p := ic.SAPParams(sc)
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the transport block
func (t *TransportConfig) Validate() error {
	switch t.Type {
	case TransportTCP, TransportUDP, TransportQUIC:
		if t.Address == "" {
			return fmt.Errorf("%w: %s transport needs an address", ErrInvalid, t.Type)
		}
	case TransportSerial:
		if t.Device == "" {
			return fmt.Errorf("%w: serial transport needs a device", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalid, t.Type)
	}
	if t.ReconnectDelay < 0 {
		return fmt.Errorf("%w: negative reconnect delay", ErrInvalid)
	}
	return nil
}

// FrameRole returns the protocol role of the interface
func (ic *InterfaceConfig) FrameRole() frame.Role {
	if ic.Role == RoleNetwork {
		return frame.RoleNetwork
	}
	return frame.RoleUser
}

// StaticTEI returns the configured TEI, or link.UnassignedTEI when the TEI
// is obtained dynamically
func (ic *InterfaceConfig) StaticTEI() uint8 {
	if ic.TEI == nil {
		return link.UnassignedTEI
	}
	return uint8(*ic.TEI)
}

// SAPParams merges a SAP block over the defaults of the interface rate
func (ic *InterfaceConfig) SAPParams(sc SAPConfig) link.SAPParams {
	sapi := uint8(sc.SAPI)
	p := link.DefaultSAPParams(sapi)
	if ic.Rate == RatePrimary {
		p = link.PrimaryRateSAPParams(sapi)
	}
	if sc.K != 0 {
		p.K = sc.K
	}
	if sc.N200 != 0 {
		p.N200 = sc.N200
	}
	if sc.N201 != 0 {
		p.N201 = sc.N201
	}
	if sc.T200 != 0 {
		p.T200 = sc.T200
	}
	if sc.T203 != 0 {
		p.T203 = sc.T203
	}
	if sc.MaxQueued != 0 {
		p.MaxQueued = sc.MaxQueued
	}
	return p
}

// NetworkConfig returns the network side TEI entity parameters
func (ic *InterfaceConfig) NetworkConfig() tei.NetworkConfig {
	nc := tei.DefaultNetworkConfig()
	nc.T201 = ic.TEIManagement.T201
	nc.AuditInterval = ic.TEIManagement.AuditInterval
	return nc
}

// TerminalConfig returns the terminal side TEI entity parameters
func (ic *InterfaceConfig) TerminalConfig() tei.TerminalConfig {
	tc := tei.DefaultTerminalConfig()
	tc.T202 = ic.TEIManagement.T202
	tc.N202 = ic.TEIManagement.N202
	return tc
}

// Open creates the physical channel described by the transport block
func (t *TransportConfig) Open() (channel.PhysicalChannel, error) {
	switch t.Type {
	case TransportTCP:
		return physical(channel.NewTCPChannel(channel.TCPChannelConfig{
			Address:        t.Address,
			IsServer:       t.Server,
			ReconnectDelay: t.ReconnectDelay,
		}))
	case TransportUDP:
		return physical(channel.NewUDPChannel(channel.UDPChannelConfig{
			Address:  t.Address,
			IsServer: t.Server,
		}))
	case TransportQUIC:
		return physical(channel.NewQUICChannel(channel.QUICChannelConfig{
			Address:        t.Address,
			IsServer:       t.Server,
			ReconnectDelay: t.ReconnectDelay,
		}))
	case TransportSerial:
		return physical(channel.NewSerialChannel(channel.SerialChannelConfig{
			Device:   t.Device,
			BaudRate: t.Baud,
		}))
	}
	return nil, fmt.Errorf("%w: transport %q", ErrInvalid, t.Type)
}

// physical keeps a failed constructor from yielding a typed nil interface
func physical[T channel.PhysicalChannel](c T, err error) (channel.PhysicalChannel, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
