package nat

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/overlay"
)

// Manager orders and runs the traversal methods: it tries the registry-learned method
// first (if within TTL), falls back through defaultOrder, and persists whatever
// eventually works. One Manager is shared across every peer a node connects to.
type Manager struct {
	graph  overlay.Graph
	logger log.Logger

	upnp *UPnPClient
	stun *STUNClient
	turn *TURNClient // nil if no TURN server configured
	ice  *ICECoordinator

	localPort int
	reg       *registry
}

// ManagerConfig collects the dependencies a Manager needs. STUNServers and TURNAddr
// may be empty/zero to disable those methods outright.
type ManagerConfig struct {
	Graph       overlay.Graph
	Logger      log.Logger
	LocalPort   int
	STUNServers []string
	TURNAddr    string
	TURNUser    string
	TURNPass    string
	PersistDir  string // directory for connection-registry.json; "" disables persistence
}

// NewManager wires the NAT primitives into a single orchestrator.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if reflect.DeepEqual(logger, log.Logger{}) {
		logger = log.Default
	}
	stunClient := NewSTUNClient(cfg.STUNServers, 3*time.Second, logger)

	var turnClient *TURNClient
	if cfg.TURNAddr != "" {
		turnClient = NewTURNClient(cfg.TURNAddr, cfg.TURNUser, cfg.TURNPass, logger)
	}

	return &Manager{
		graph:     cfg.Graph,
		logger:    logger,
		upnp:      NewUPnPClient(logger),
		stun:      stunClient,
		turn:      turnClient,
		ice:       NewICECoordinator(stunClient, turnClient, cfg.Graph, logger),
		localPort: cfg.LocalPort,
		reg:       newRegistry(cfg.PersistDir),
	}
}

// Close stops the registry's background sweep.
func (m *Manager) Close() {
	m.reg.close()
}

// strategyOrder returns the method attempt order for remoteId: the registry's
// learned method first (if recorded and within TTL), then defaultOrder with the
// learned method's family removed to avoid a duplicate attempt. A learned method
// demoted by a failure (success streak reset to zero) goes last instead of first.
func (m *Manager) strategyOrder(remoteId string, now time.Time) []Method {
	preferred, ok := m.reg.preferredMethod(remoteId, now)
	if !ok {
		return defaultOrder
	}
	m.reg.mu.RLock()
	e := m.reg.entries[remoteId]
	demoted := e != nil && e.ConsecutiveOK == 0
	m.reg.mu.RUnlock()
	order := make([]Method, 0, len(defaultOrder)+1)
	if !demoted {
		order = append(order, preferred)
	}
	for _, meth := range defaultOrder {
		if methodFamily(meth) != methodFamily(preferred) {
			order = append(order, meth)
		}
	}
	if demoted {
		order = append(order, preferred)
	}
	return order
}

// Connect attempts to establish a connection to remoteId, trying methods in the
// learned strategy order and falling back through the rest on failure. Any
// partially-opened socket from a failed attempt is released before the next method
// is tried.
func (m *Manager) Connect(ctx context.Context, localId, remoteId common.NodeId, opts Options) (*ConnectionResult, error) {
	opts.setDefaults()
	now := time.Now()
	order := m.strategyOrder(remoteId.String(), now)

	reasons := make(map[Method]error, len(order))
	for _, method := range order {
		timeout := opts.timeoutFor(method)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := m.attempt(attemptCtx, method, localId, remoteId, opts)
		cancel()
		if err == nil {
			m.reg.recordSuccess(remoteId.String(), method, now)
			return result, nil
		}
		m.reg.recordFailure(remoteId.String(), method)
		reasons[method] = err
		m.logger.Levelf(log.Debug, "nat: method %s failed for peer %s: %v", method, remoteId, err)
	}
	return nil, &ExhaustedError{Reasons: reasons}
}

func (m *Manager) attempt(ctx context.Context, method Method, localId, remoteId common.NodeId, opts Options) (*ConnectionResult, error) {
	switch method {
	case MethodDirect:
		return m.attemptDirect(ctx, opts)
	case MethodUPnP:
		return m.attemptUPnP(ctx)
	case MethodUDPPunch:
		conn, err := UDPHolePunch(ctx, m.graph, localId.String(), remoteId.String(), m.localPort, m.logger)
		if err != nil {
			return nil, err
		}
		return &ConnectionResult{Conn: conn, Method: MethodUDPPunch}, nil
	case MethodTCPSimOpen:
		conn, err := TCPSimultaneousOpen(ctx, m.graph, localId.String(), remoteId.String(), m.localPort, m.localPort)
		if err != nil {
			return nil, err
		}
		return &ConnectionResult{Conn: conn, Method: MethodTCPSimOpen}, nil
	case MethodTCPPunch:
		candidatePorts := predictPorts(m.localPort)
		conn, err := TCPHolePunch(ctx, m.graph, localId.String(), remoteId.String(), m.localPort, candidatePorts)
		if err != nil {
			return nil, err
		}
		return &ConnectionResult{Conn: conn, Method: MethodTCPPunch}, nil
	case MethodICEHost, MethodICESrflx, MethodICERelay:
		return m.attemptICE(ctx, localId, remoteId, opts)
	case MethodOverlayRelay:
		conn, err := OverlayRelayConnect(ctx, m.graph, localId.String(), remoteId.String())
		if err != nil {
			return nil, err
		}
		return &ConnectionResult{Conn: conn, Method: MethodOverlayRelay}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported method %s", ErrTimeout, method)
	}
}

func (m *Manager) attemptDirect(ctx context.Context, opts Options) (*ConnectionResult, error) {
	if opts.KnownAddr == nil {
		return nil, fmt.Errorf("%w: no known address", ErrTimeout)
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", opts.KnownAddr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &ConnectionResult{Conn: conn, Method: MethodDirect}, nil
}

// attemptUPnP maps the local port on the gateway and waits for the peer to dial
// in. The external address is looked up and logged once a connection is
// accepted; it is not published to the peer, and no direct dial is retried. The
// mapping handle stays alive for the life of the accepted connection.
func (m *Manager) attemptUPnP(ctx context.Context) (*ConnectionResult, error) {
	gw, err := m.upnp.Discover(ctx)
	if err != nil {
		return nil, err
	}
	mapping, err := gw.Map("tcp", m.localPort, m.localPort, 3600, m.logger)
	if err != nil {
		return nil, err
	}
	extIP, err := gw.ExternalAddress()
	if err != nil {
		mapping.Close()
		return nil, err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.localPort))
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("%w: %v", ErrMappingRefused, err)
	}
	// Accept doesn't observe ctx on its own; close the listener when the attempt
	// window expires so the blocked Accept returns.
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	conn, err := listener.Accept()
	stop()
	listener.Close()
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	m.logger.Levelf(log.Debug, "nat: upnp mapped external address %s:%d", extIP, mapping.ExternalPort())
	return &ConnectionResult{Conn: &mappedConn{Conn: conn, mapping: mapping}, Method: MethodUPnP}, nil
}

// mappedConn ties a UPnP mapping's lifetime to the connection it produced.
type mappedConn struct {
	net.Conn
	mapping *MappingHandle
}

func (c *mappedConn) Close() error {
	err := c.Conn.Close()
	c.mapping.Close()
	return err
}

func (m *Manager) attemptICE(ctx context.Context, localId, remoteId common.NodeId, opts Options) (*ConnectionResult, error) {
	local, err := m.ice.Gather(ctx, m.localPort)
	if err != nil {
		return nil, err
	}
	remote, err := m.ice.Exchange(ctx, localId.String(), remoteId.String(), local, opts.ICETimeout)
	if err != nil {
		return nil, err
	}
	return m.ice.Connect(ctx, local, remote)
}

// predictPorts returns a small symmetric window of port guesses around base, the
// set of external ports a sequential-allocation NAT is likely to have assigned.
func predictPorts(base int) []int {
	ports := make([]int, 0, 11)
	for d := -5; d <= 5; d++ {
		p := base + d
		if p > 0 && p < 65536 {
			ports = append(ports, p)
		}
	}
	return ports
}
