package nat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/pion/stun/v3"
)

// STUNClient sends binding requests to a configured, ordered list of STUN servers
// and returns the first server-reflexive address observed. Each server gets
// its own timeout; the client only fails once every server is exhausted.
type STUNClient struct {
	servers []string
	timeout time.Duration
	logger  log.Logger
}

// NewSTUNClient constructs a client over an ordered STUN server list.
func NewSTUNClient(servers []string, perServerTimeout time.Duration, logger log.Logger) *STUNClient {
	if perServerTimeout <= 0 {
		perServerTimeout = 3 * time.Second
	}
	return &STUNClient{servers: servers, timeout: perServerTimeout, logger: logger}
}

// ReflexiveAddr is the public address a STUN server observed for a given local
// socket.
type ReflexiveAddr struct {
	IP   net.IP
	Port int
}

// Discover binds a UDP socket locally (or reuses conn if non-nil), sends a STUN
// binding request to each configured server in order, and returns the first
// successful server-reflexive address.
func (c *STUNClient) Discover(ctx context.Context, conn *net.UDPConn) (ReflexiveAddr, error) {
	owned := conn == nil
	if owned {
		var err error
		conn, err = net.ListenUDP("udp", nil)
		if err != nil {
			return ReflexiveAddr{}, fmt.Errorf("%w: listen udp: %v", ErrTimeout, err)
		}
		defer conn.Close()
	}

	var lastErr error
	for _, server := range c.servers {
		addr, err := c.tryServer(ctx, conn, server)
		if err == nil {
			return addr, nil
		}
		c.logger.Levelf(log.Debug, "stun server %s failed: %v", server, err)
		lastErr = err
	}
	return ReflexiveAddr{}, fmt.Errorf("%w: all stun servers failed, last error: %v", ErrTimeout, lastErr)
}

func (c *STUNClient) tryServer(ctx context.Context, conn *net.UDPConn, server string) (ReflexiveAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return ReflexiveAddr{}, err
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return ReflexiveAddr{}, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	if _, err := conn.WriteToUDP(msg.Raw, raddr); err != nil {
		return ReflexiveAddr{}, err
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return ReflexiveAddr{}, err
	}

	reply := &stun.Message{Raw: buf[:n]}
	if err := reply.Decode(); err != nil {
		return ReflexiveAddr{}, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(reply); err != nil {
		var mappedAddr stun.MappedAddress
		if err2 := mappedAddr.GetFrom(reply); err2 != nil {
			return ReflexiveAddr{}, fmt.Errorf("no mapped address attribute: %w", err)
		}
		return ReflexiveAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
	return ReflexiveAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
