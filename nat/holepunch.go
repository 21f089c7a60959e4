package nat

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/dignat/overlay"
)

// readyMarker is the payload both sides publish to the rendezvous path before
// executing a punch.
type readyMarker struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func rendezvousPath(kind, localId, remoteId string) string {
	// Order-independent key so both peers compute the same path regardless of who
	// is "local" from their own point of view.
	a, b := localId, remoteId
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("holepunch/%s/%s_%s", kind, a, b)
}

// awaitPeerReady publishes our own marker and waits for the peer's.
func awaitPeerReady(ctx context.Context, graph overlay.Graph, kind, localId, remoteId string, localAddr *net.UDPAddr) (*readyMarker, error) {
	path := rendezvousPath(kind, localId, remoteId) + "/" + localId
	peerPath := rendezvousPath(kind, localId, remoteId) + "/" + remoteId

	payload, _ := json.Marshal(readyMarker{IP: localAddr.IP.String(), Port: localAddr.Port})
	if err := graph.Put(ctx, path, payload); err != nil {
		return nil, err
	}

	result := make(chan readyMarker, 1)
	if err := graph.Once(ctx, peerPath, func(p string, value []byte) {
		var m readyMarker
		if json.Unmarshal(value, &m) == nil {
			select {
			case result <- m:
			default:
			}
		}
	}); err != nil {
		return nil, err
	}

	select {
	case m := <-result:
		return &m, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: peer not ready", ErrRemoteNotReady)
	}
}

// UDPHolePunch opens a UDP socket, exchanges reflexive candidates with the peer via
// the signaling overlay, then sends a burst of pinhole datagrams to the peer's
// candidate address. A background keepalive maintains the binding every
// ~30s until the returned conn is closed.
func UDPHolePunch(ctx context.Context, graph overlay.Graph, localId, remoteId string, localPort int, logger log.Logger) (net.Conn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	peer, err := awaitPeerReady(ctx, graph, "udp", localId, remoteId, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		conn.Close()
		return nil, err
	}
	remoteAddr := &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: peer.Port}

	const pinholes = 5
	for i := 0; i < pinholes; i++ {
		if _, err := conn.WriteToUDP([]byte("punch"), remoteAddr); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	adapter := &udpConnAdapter{UDPConn: conn, remote: remoteAddr}
	// The keepalive outlives ctx (which may only bound this attempt); it stops
	// when a write fails because the conn was closed.
	go keepalive(context.Background(), adapter, 30*time.Second, logger)
	return adapter, nil
}

func keepalive(ctx context.Context, conn *udpConnAdapter, interval time.Duration, logger log.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := conn.Write([]byte("keepalive")); err != nil {
				logger.Levelf(log.Debug, "udp holepunch keepalive failed: %v", err)
				return
			}
		}
	}
}

// localOutboundIP reports the interface address the OS would route external
// traffic from. The UDP "dial" never sends a packet; it only resolves routing.
func localOutboundIP() net.IP {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return net.IPv4zero
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

// TCPSimultaneousOpen has both sides dial from a fixed local port to the peer's
// fixed remote port within a signaled time window; on supporting stacks the two
// SYNs cross and yield one connection.
func TCPSimultaneousOpen(ctx context.Context, graph overlay.Graph, localId, remoteId string, localPort, remotePort int) (net.Conn, error) {
	local := &net.UDPAddr{IP: localOutboundIP(), Port: localPort}
	peer, err := awaitPeerReady(ctx, graph, "tcp-simopen", localId, remoteId, local)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{
		LocalAddr:     &net.TCPAddr{Port: localPort},
		FallbackDelay: -1,
		Control:       reusePortControl,
	}

	resultCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(peer.IP, fmt.Sprintf("%d", remotePort)))
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- conn
	}()

	select {
	case conn := <-resultCh:
		return conn, nil
	case err := <-errCh:
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: tcp simultaneous-open window closed", ErrTimeout)
	}
}

// TCPHolePunch (predictive) iterates a small window of likely external ports:
// outbound connects paired with a passive listen, reporting the first
// successful 3-way handshake. The outbound connects are ordinary dials with a
// 2s timeout; no IP TTL limit is set on them.
func TCPHolePunch(ctx context.Context, graph overlay.Graph, localId, remoteId string, localPort int, candidatePorts []int) (net.Conn, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			select {
			case acceptCh <- conn:
			default:
				conn.Close()
			}
		}
	}()

	local := &net.UDPAddr{IP: localOutboundIP(), Port: localPort}
	peer, err := awaitPeerReady(ctx, graph, "tcp-punch", localId, remoteId, local)
	if err != nil {
		listener.Close()
		return nil, err
	}

	dialCh := make(chan net.Conn, 1)
	for _, port := range candidatePorts {
		go func(port int) {
			conn, err := net.DialTimeout("tcp", net.JoinHostPort(peer.IP, fmt.Sprintf("%d", port)), 2*time.Second)
			if err == nil {
				select {
				case dialCh <- conn:
				default:
					conn.Close()
				}
			}
		}(port)
	}

	select {
	case conn := <-acceptCh:
		listener.Close()
		return conn, nil
	case conn := <-dialCh:
		listener.Close()
		return conn, nil
	case <-ctx.Done():
		listener.Close()
		return nil, fmt.Errorf("%w: tcp predictive punch exhausted candidates", ErrTimeout)
	}
}
