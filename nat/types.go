// Package nat implements the NAT traversal engine: UPnP mapping, STUN/
// TURN, UDP/TCP hole-punching, ICE, and the strategy-ordering manager that ties them
// together with a learned, persisted preference per remote peer.
package nat

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dannyzb/dignat/common"
)

// Method is a closed enum of connection-establishment techniques.
type Method string

const (
	MethodDirect       Method = "direct"
	MethodUPnP         Method = "upnp"
	MethodUDPPunch     Method = "udp-punch"
	MethodTCPPunch     Method = "tcp-punch"
	MethodTCPSimOpen   Method = "tcp-sim-open"
	MethodICEHost      Method = "ice-host"
	MethodICESrflx     Method = "ice-srflx"
	MethodICERelay     Method = "ice-relay"
	MethodOverlayRelay Method = "overlay-relay"
)

// defaultOrder is the order tried when no registry entry exists for the remote peer.
var defaultOrder = []Method{
	MethodDirect,
	MethodUPnP,
	MethodUDPPunch,
	MethodTCPSimOpen,
	MethodTCPPunch,
	MethodICEHost,
	MethodOverlayRelay,
}

// methodFamily groups the ICE variants: one ICE attempt walks the whole candidate
// ladder, so the strategy order never schedules two of them.
func methodFamily(m Method) Method {
	switch m {
	case MethodICEHost, MethodICESrflx, MethodICERelay:
		return MethodICEHost
	}
	return m
}

// Sentinel errors, one per component failure mode.
var (
	ErrNoGateway          = errors.New("nat: no UPnP gateway found")
	ErrMappingRefused     = errors.New("nat: UPnP mapping refused")
	ErrAddressQueryFailed = errors.New("nat: UPnP external address query failed")

	ErrAllocationRefused = errors.New("nat: TURN allocation refused")
	ErrAuthRejected      = errors.New("nat: TURN credentials rejected")
	ErrRelayUnreachable  = errors.New("nat: TURN relay unreachable")

	ErrTimeout        = errors.New("nat: timeout")
	ErrRemoteNotReady = errors.New("nat: remote peer not ready")
	ErrNoCandidate    = errors.New("nat: no usable candidate")

	// ErrAllMethodsExhausted is returned by Manager.Connect when every attempted
	// method failed; Reasons carries the per-method errors for diagnostics.
	ErrAllMethodsExhausted = errors.New("nat: all traversal methods exhausted")
)

// ExhaustedError wraps ErrAllMethodsExhausted with the accumulated per-method
// failures. Failures are collected as values; only the final exhausted case
// surfaces to the caller.
type ExhaustedError struct {
	Reasons map[Method]error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v: %d methods tried", ErrAllMethodsExhausted, len(e.Reasons))
}

func (e *ExhaustedError) Unwrap() error { return ErrAllMethodsExhausted }

// ConnectionResult is what a successful traversal attempt produces.
type ConnectionResult struct {
	Conn   net.Conn
	Method Method
	// ICE-specific detail; zero value for non-ICE methods.
	LocalCandidateType  string
	RemoteCandidateType string
}

// Options configures a single Manager.Connect call.
type Options struct {
	KnownAddr *common.Addr // direct-known-address, tried first if set
	// Per-method timeouts; zero means use the package default for that method.
	DirectTimeout time.Duration
	PunchTimeout  time.Duration
	ICETimeout    time.Duration
	TURNTimeout   time.Duration
}

func (o *Options) setDefaults() {
	if o.DirectTimeout == 0 {
		o.DirectTimeout = 3 * time.Second
	}
	if o.PunchTimeout == 0 {
		o.PunchTimeout = 10 * time.Second
	}
	if o.ICETimeout == 0 {
		o.ICETimeout = 20 * time.Second
	}
	if o.TURNTimeout == 0 {
		o.TURNTimeout = 15 * time.Second
	}
}

// timeoutFor returns the configured timeout for method.
func (o *Options) timeoutFor(m Method) time.Duration {
	switch m {
	case MethodDirect, MethodUPnP:
		return o.DirectTimeout
	case MethodUDPPunch, MethodTCPPunch, MethodTCPSimOpen:
		return o.PunchTimeout
	case MethodICEHost, MethodICESrflx, MethodICERelay:
		return o.ICETimeout
	case MethodOverlayRelay:
		return o.TURNTimeout
	default:
		return o.PunchTimeout
	}
}

