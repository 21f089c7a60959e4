package nat

import (
	"fmt"
	"net"
	"sync"

	"github.com/anacrolix/log"
	"github.com/pion/logging"
	"github.com/pion/turn/v4"
)

// TURNClient allocates a relay on a TURN server using long-term credentials.
// It wraps github.com/pion/turn/v4's client.
type TURNClient struct {
	serverAddr string
	username   string
	password   string
	realm      string
	logger     log.Logger
}

// NewTURNClient constructs a client against a single configured TURN server.
func NewTURNClient(serverAddr, username, password string, logger log.Logger) *TURNClient {
	return &TURNClient{serverAddr: serverAddr, username: username, password: password, realm: "dig-nat-tools", logger: logger}
}

// Allocation is a held TURN relay allocation. The relayed conn refreshes its
// allocation and permissions on its own; dropping the Allocation (Close) tears
// down the client and the local socket.
type Allocation struct {
	client *turn.Client
	relay  net.PacketConn
	conn   net.PacketConn

	mu     sync.Mutex
	closed bool
}

// RelayAddr is the address the TURN server allocated for this client.
func (a *Allocation) RelayAddr() net.Addr {
	return a.relay.LocalAddr()
}

// RelayConn exposes the relayed packet conn for callers that exchange data
// through the relay directly.
func (a *Allocation) RelayConn() net.PacketConn {
	return a.relay
}

// Allocate requests a relayed transport address from the TURN server.
func (c *TURNClient) Allocate() (*Allocation, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("%w: local udp listen: %v", ErrRelayUnreachable, err)
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: c.serverAddr,
		TURNServerAddr: c.serverAddr,
		Conn:           conn,
		Username:       c.username,
		Password:       c.password,
		Realm:          c.realm,
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if err := client.Listen(); err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
	}

	relayConn, err := client.Allocate()
	if err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrAllocationRefused, err)
	}

	return &Allocation{client: client, relay: relayConn, conn: conn}, nil
}

// CreatePermission installs a permission for peerAddr to send through the
// allocation. The relayed conn installs permissions on first write to a new
// address, so this just forces that installation eagerly.
func (a *Allocation) CreatePermission(peerAddr net.Addr) error {
	_, err := a.relay.WriteTo([]byte{}, peerAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnreachable, err)
	}
	return nil
}

// Close tears down the allocation and releases the local socket.
func (a *Allocation) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.relay.Close()
	a.client.Close()
	return a.conn.Close()
}
