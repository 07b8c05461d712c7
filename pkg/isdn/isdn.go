// Package isdn assembles LAPD data link connections, TEI management and a
// physical channel into ISDN D-channel interfaces, and manages a set of
// interfaces through a Manager.
package isdn

import (
	"errors"
	"time"

	"avaneesh/lapd-go/pkg/frame"
	"avaneesh/lapd-go/pkg/link"
	"avaneesh/lapd-go/pkg/tei"
	"avaneesh/lapd-go/pkg/timer"
)

// Mode is the interface configuration
type Mode int

const (
	ModeMultipoint   Mode = iota // Several terminals share the D-channel
	ModePointToPoint             // One terminal, TEI 0 unless configured
)

// String returns string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeMultipoint:
		return "multipoint"
	case ModePointToPoint:
		return "point-to-point"
	default:
		return "unknown"
	}
}

// Handler receives the upward primitives of an interface: DL-ESTABLISH,
// DL-RELEASE, DL-DATA, DL-UNIT-DATA and MDL-ERROR indications.
//
// Calls come from the channel read loop and from timers. A handler must
// not wait for Establish or Release on the same interface; use the
// non-blocking requests instead.
type Handler interface {
	OnIndication(c *Conn, ind link.Indication)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(c *Conn, ind link.Indication)

// OnIndication calls f
func (f HandlerFunc) OnIndication(c *Conn, ind link.Indication) {
	f(c, ind)
}

// InterfaceConfig configures one D-channel interface
type InterfaceConfig struct {
	Name string
	Role frame.Role
	Mode Mode

	// TEI is the static TEI of a terminal. link.UnassignedTEI selects
	// dynamic assignment through TEI management.
	TEI uint8

	// SAPs are the parameter blocks of the configured SAPIs. Other SAPIs
	// use DefaultParams.
	SAPs          []link.SAPParams
	DefaultParams func(sapi uint8) link.SAPParams

	// TEI management timers. Lower, Scheduler, OnEvent and Logger are
	// provided by the interface.
	Network  tei.NetworkConfig
	Terminal tei.TerminalConfig

	Scheduler    timer.Scheduler
	FlushTimeout time.Duration // Bound on draining frames at shutdown
}

// DefaultInterfaceConfig returns a basic rate multipoint interface with
// dynamic TEI assignment
func DefaultInterfaceConfig(name string, role frame.Role) InterfaceConfig {
	return InterfaceConfig{
		Name:          name,
		Role:          role,
		Mode:          ModeMultipoint,
		TEI:           link.UnassignedTEI,
		DefaultParams: link.DefaultSAPParams,
		Network:       tei.DefaultNetworkConfig(),
		Terminal:      tei.DefaultTerminalConfig(),
		FlushTimeout:  time.Second,
	}
}

// Errors
var (
	ErrInterfaceExists   = errors.New("interface already exists")
	ErrInterfaceNotFound = errors.New("interface not found")
	ErrClosed            = errors.New("interface is closed")
	ErrWrongRole         = errors.New("operation not valid for the interface role")
	ErrInvalidSAPI       = errors.New("invalid SAPI")
	ErrInvalidTEI        = errors.New("invalid TEI")
)
