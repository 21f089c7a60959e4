package nat

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/anacrolix/log"
	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"

	"github.com/dannyzb/dignat/overlay"
)

// CandidateType mirrors pion/ice's enum so this package's wire-level tagging speaks
// the same vocabulary ("host", "srflx", "relay") as the rest of the ICE ecosystem,
// even though candidate pairing and connectivity checking below are driven by our
// own Cartesian-product / priority-order logic rather than pion/ice's
// agent, which performs its own (different) pairing and nomination algorithm.
type CandidateType = ice.CandidateType

// Candidate is a single gathered address, host/server-reflexive/relay.
type Candidate struct {
	Type CandidateType `json:"type"`
	IP   net.IP        `json:"ip"`
	Port int           `json:"port"`
}

func (c Candidate) priority() int {
	// ICE-RFC-style type preference ordering: host > srflx > relay.
	var typePref int
	switch c.Type {
	case ice.CandidateTypeHost:
		typePref = 126
	case ice.CandidateTypeServerReflexive:
		typePref = 100
	case ice.CandidateTypeRelay:
		typePref = 0
	default:
		typePref = 0
	}
	return typePref<<24 | 1<<8 | 255
}

// ICECoordinator gathers candidates, exchanges them over the signaling overlay, and
// attempts connectivity checks across candidate pairs in priority order.
type ICECoordinator struct {
	stun   *STUNClient
	turn   *TURNClient
	graph  overlay.Graph
	logger log.Logger
}

// NewICECoordinator builds a coordinator. turn may be nil if no TURN server is
// configured, in which case relay candidates are skipped.
func NewICECoordinator(stunClient *STUNClient, turnClient *TURNClient, graph overlay.Graph, logger log.Logger) *ICECoordinator {
	return &ICECoordinator{stun: stunClient, turn: turnClient, graph: graph, logger: logger}
}

// gatherHost enumerates local, non-loopback interface addresses.
func gatherHost(port int) ([]Candidate, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, Candidate{Type: ice.CandidateTypeHost, IP: ipNet.IP, Port: port})
	}
	return out, nil
}

// Gather collects host, server-reflexive, and (if configured) relay candidates.
func (c *ICECoordinator) Gather(ctx context.Context, localPort int) ([]Candidate, error) {
	var candidates []Candidate

	host, err := gatherHost(localPort)
	if err == nil {
		candidates = append(candidates, host...)
	} else {
		c.logger.Levelf(log.Debug, "ice: host candidate gathering failed: %v", err)
	}

	if c.stun != nil {
		if srflx, err := c.stun.Discover(ctx, nil); err == nil {
			candidates = append(candidates, Candidate{Type: ice.CandidateTypeServerReflexive, IP: srflx.IP, Port: srflx.Port})
		} else {
			c.logger.Levelf(log.Debug, "ice: srflx candidate gathering failed: %v", err)
		}
	}

	if c.turn != nil {
		if alloc, err := c.turn.Allocate(); err == nil {
			if udpAddr, ok := alloc.RelayAddr().(*net.UDPAddr); ok {
				candidates = append(candidates, Candidate{Type: ice.CandidateTypeRelay, IP: udpAddr.IP, Port: udpAddr.Port})
			}
			// Only the relayed address is needed for the candidate list; the
			// connectivity check allocates afresh if a relay pair wins.
			alloc.Close()
		} else {
			c.logger.Levelf(log.Debug, "ice: relay candidate gathering failed: %v", err)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}
	return candidates, nil
}

// exchangePath is the overlay rendezvous path for candidate exchange between two
// NodeId-identified endpoints.
func exchangePath(localId, remoteId string) string {
	return fmt.Sprintf("ice/candidates/%s_%s", localId, remoteId)
}

// Exchange publishes local candidates and waits (up to timeout) for the remote
// side's candidate list on the paired rendezvous path.
func (c *ICECoordinator) Exchange(ctx context.Context, localId, remoteId string, local []Candidate, timeout time.Duration) ([]Candidate, error) {
	payload, err := json.Marshal(local)
	if err != nil {
		return nil, err
	}
	if err := c.graph.Put(ctx, exchangePath(localId, remoteId), payload); err != nil {
		return nil, err
	}

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan []Candidate, 1)
	if err := c.graph.Once(deadline, exchangePath(remoteId, localId), func(path string, value []byte) {
		var remote []Candidate
		if json.Unmarshal(value, &remote) == nil {
			select {
			case result <- remote:
			default:
			}
		}
	}); err != nil {
		return nil, err
	}

	select {
	case remote := <-result:
		return remote, nil
	case <-deadline.Done():
		return nil, fmt.Errorf("%w: remote candidates not received", ErrTimeout)
	}
}

// pair is a candidate pair to attempt, ordered host×host, then srflx×srflx, then
// every other pair (mixed types and any pair involving a relay candidate).
type pair struct {
	local, remote Candidate
	rank          int
}

func buildPairs(local, remote []Candidate) []pair {
	var pairs []pair
	rankOf := func(a, b CandidateType) int {
		switch {
		case a == ice.CandidateTypeHost && b == ice.CandidateTypeHost:
			return 0
		case a == ice.CandidateTypeServerReflexive && b == ice.CandidateTypeServerReflexive:
			return 1
		default:
			return 2
		}
	}
	for _, l := range local {
		for _, r := range remote {
			pairs = append(pairs, pair{local: l, remote: r, rank: rankOf(l.Type, r.Type)})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].rank < pairs[j].rank })
	return pairs
}

// Connect attempts connectivity checks across the Cartesian product of local and
// remote candidates in priority order, returning the first pair that completes a
// successful two-way STUN-style bind ping exchange.
func (c *ICECoordinator) Connect(ctx context.Context, local, remote []Candidate) (*ConnectionResult, error) {
	pairs := buildPairs(local, remote)
	if len(pairs) == 0 {
		return nil, ErrNoCandidate
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	for _, p := range pairs {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		default:
		}
		if ok := tryConnectivityCheck(conn, p.remote, 2*time.Second); ok {
			return &ConnectionResult{
				Conn:                &udpConnAdapter{UDPConn: conn, remote: &net.UDPAddr{IP: p.remote.IP, Port: p.remote.Port}},
				Method:              methodForPair(p),
				LocalCandidateType:  p.local.Type.String(),
				RemoteCandidateType: p.remote.Type.String(),
			}, nil
		}
	}
	conn.Close()
	return nil, ErrNoCandidate
}

func methodForPair(p pair) Method {
	switch p.remote.Type {
	case ice.CandidateTypeRelay:
		return MethodICERelay
	case ice.CandidateTypeServerReflexive:
		return MethodICESrflx
	default:
		return MethodICEHost
	}
}

// tryConnectivityCheck sends a STUN binding request carrying a random nonce
// (transaction ID) to the candidate address and waits for any reply.
func tryConnectivityCheck(conn *net.UDPConn, remote Candidate, timeout time.Duration) bool {
	nonce := uuid.New()
	var txID [stun.TransactionIDSize]byte
	copy(txID[:], nonce[:])

	msg, err := stun.Build(stun.NewTransactionIDSetter(txID), stun.BindingRequest)
	if err != nil {
		return false
	}
	addr := &net.UDPAddr{IP: remote.IP, Port: remote.Port}
	if _, err := conn.WriteToUDP(msg.Raw, addr); err != nil {
		return false
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1500)
	_, _, err = conn.ReadFromUDP(buf)
	return err == nil
}

// udpConnAdapter fixes a *net.UDPConn to a single remote peer so it satisfies
// net.Conn (Read/Write without an explicit address each call).
type udpConnAdapter struct {
	*net.UDPConn
	remote *net.UDPAddr
}

func (a *udpConnAdapter) Write(b []byte) (int, error) {
	return a.UDPConn.WriteToUDP(b, a.remote)
}

func (a *udpConnAdapter) RemoteAddr() net.Addr {
	return a.remote
}
