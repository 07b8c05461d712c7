package link

import (
	"fmt"
	"time"

	"avaneesh/lapd-go/pkg/frame"
)

// SAPParams holds the per (interface, SAPI) system parameters. A block is
// shared read-only by every connection on the SAP.
type SAPParams struct {
	SAPI uint8 // Service access point

	K    int // Maximum number of outstanding I frames (1-127)
	N200 int // Maximum number of retransmissions
	N201 int // Maximum number of octets in an information field

	T200 time.Duration // Retransmission timer
	T203 time.Duration // Maximum time without frame exchange

	MaxQueued        int           // Pending I frames accepted beyond the window (0 = unbounded)
	EstablishTimeout time.Duration // Bound on blocking Establish/Release requests
}

// DefaultSAPParams returns the Q.921 default parameters for a SAPI on a
// basic rate interface
func DefaultSAPParams(sapi uint8) SAPParams {
	k := 1
	switch sapi {
	case frame.SAPIX25:
		k = 3
	case frame.SAPIPacketMode:
		k = 3
	}
	return SAPParams{
		SAPI:             sapi,
		K:                k,
		N200:             3,
		N201:             260,
		T200:             1 * time.Second,
		T203:             10 * time.Second,
		MaxQueued:        256,
		EstablishTimeout: 60 * time.Second,
	}
}

// PrimaryRateSAPParams returns defaults for a primary rate interface
func PrimaryRateSAPParams(sapi uint8) SAPParams {
	p := DefaultSAPParams(sapi)
	p.K = 7
	return p
}

// Validate checks parameter ranges
func (p *SAPParams) Validate() error {
	switch {
	case p.SAPI > frame.MaxSAPI:
		return fmt.Errorf("%w: SAPI %d", ErrInvalidParams, p.SAPI)
	case p.K < 1 || p.K > frame.SeqModulus-1:
		return fmt.Errorf("%w: k=%d not in 1..127", ErrInvalidParams, p.K)
	case p.N200 < 1:
		return fmt.Errorf("%w: N200=%d", ErrInvalidParams, p.N200)
	case p.N201 < 1:
		return fmt.Errorf("%w: N201=%d", ErrInvalidParams, p.N201)
	case p.T200 <= 0 || p.T203 <= 0:
		return fmt.Errorf("%w: T200=%v T203=%v", ErrInvalidParams, p.T200, p.T203)
	case p.MaxQueued < 0:
		return fmt.Errorf("%w: MaxQueued=%d", ErrInvalidParams, p.MaxQueued)
	}
	return nil
}
