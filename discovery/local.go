package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/dignat/common"
)

// localMulticastAddr and localServiceType are this module's own announcement
// channel on the local network. pion/mdns/v2 (used elsewhere in the
// dependency tree by ICE for resolving single obfuscated ".local" candidate names)
// has no notion of a service type or TXT record, so it cannot carry the
// {peerId, infoHashes} payload this mechanism needs; the announcement envelope
// below is a small hand-rolled multicast protocol instead, matching the shape of
// DNS-SD without pulling in a full DNS-SD implementation.
const (
	localMulticastAddr = "239.255.42.99:51423"
	localServiceType   = "dig-nat-tools"

	localDefaultAnnounceInterval = 60 * time.Second
	localDefaultPeerTTL          = 5 * time.Minute
)

type localAnnouncement struct {
	Service    string `json:"service"`
	PeerId     string `json:"peerId"`
	Port       int    `json:"port"`
	InfoHashes string `json:"infoHashes"` // comma-separated hex
}

type localPeerEntry struct {
	record   PeerRecord
	lastSeen time.Time
}

// Local implements multicast-based local-network peer discovery.
type Local struct {
	self     common.NodeId
	selfAddr common.Addr
	logger   log.Logger

	announceInterval time.Duration
	peerTTL          time.Duration

	onDiscovered func(PeerRecord) // "peer-discovered" event, fired on novel IDs only

	conn *net.UDPConn

	mu    sync.Mutex
	peers map[common.NodeId]*localPeerEntry
}

// LocalOption configures optional Local behavior.
type LocalOption func(*Local)

func WithLocalAnnounceInterval(d time.Duration) LocalOption { return func(l *Local) { l.announceInterval = d } }
func WithLocalPeerTTL(d time.Duration) LocalOption          { return func(l *Local) { l.peerTTL = d } }
func WithLocalOnDiscovered(f func(PeerRecord)) LocalOption  { return func(l *Local) { l.onDiscovered = f } }

// NewLocal constructs a local-multicast discovery client.
func NewLocal(self common.NodeId, selfAddr common.Addr, logger log.Logger, opts ...LocalOption) *Local {
	l := &Local{
		self:             self,
		selfAddr:         selfAddr,
		logger:           logger,
		announceInterval: localDefaultAnnounceInterval,
		peerTTL:          localDefaultPeerTTL,
		peers:            make(map[common.NodeId]*localPeerEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start joins the multicast group, begins periodic announcements carrying
// infoHashes, and listens for peer announcements until ctx is done.
func (l *Local) Start(ctx context.Context, infoHashes []string) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", localMulticastAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigurationInvalid, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return err
	}
	l.conn = conn

	go l.readLoop(ctx, groupAddr)
	go l.announceLoop(ctx, groupAddr, infoHashes)
	go l.cleanupLoop(ctx)
	return nil
}

func (l *Local) announceLoop(ctx context.Context, groupAddr *net.UDPAddr, infoHashes []string) {
	l.sendAnnouncement(groupAddr, infoHashes)
	t := time.NewTicker(l.announceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sendAnnouncement(groupAddr, infoHashes)
		}
	}
}

func (l *Local) sendAnnouncement(groupAddr *net.UDPAddr, infoHashes []string) {
	msg := localAnnouncement{
		Service:    localServiceType,
		PeerId:     l.self.String(),
		Port:       l.selfAddr.Port,
		InfoHashes: strings.Join(infoHashes, ","),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := l.conn.WriteToUDP(payload, groupAddr); err != nil {
		l.logger.Levelf(log.Debug, "local discovery: announcement send failed: %v", err)
	}
}

func (l *Local) readLoop(ctx context.Context, groupAddr *net.UDPAddr) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		l.onPacket(buf[:n], src)
	}
}

func (l *Local) onPacket(data []byte, src *net.UDPAddr) {
	var msg localAnnouncement
	if json.Unmarshal(data, &msg) != nil || msg.Service != localServiceType {
		return
	}
	if msg.PeerId == l.self.String() || !validNodeIdHex(msg.PeerId) {
		return
	}
	id, err := common.ParseNodeId(msg.PeerId)
	if err != nil {
		return
	}
	addr, err := common.NormalizeAddr(src.IP, msg.Port)
	if err != nil {
		return
	}

	l.mu.Lock()
	_, known := l.peers[id]
	l.peers[id] = &localPeerEntry{
		record:   PeerRecord{NodeId: id, Addr: addr, Source: SourceLocal, LastSeen: time.Now(), Confidence: sourceConfidence[SourceLocal]},
		lastSeen: time.Now(),
	}
	l.mu.Unlock()

	if !known && l.onDiscovered != nil {
		l.onDiscovered(PeerRecord{NodeId: id, Addr: addr, Source: SourceLocal, LastSeen: time.Now(), Confidence: sourceConfidence[SourceLocal]})
	}
}

func (l *Local) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(l.peerTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.expireStale(time.Now())
		}
	}
}

func (l *Local) expireStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.peers {
		if now.Sub(e.lastSeen) > l.peerTTL {
			delete(l.peers, id)
		}
	}
}

// Peers returns a snapshot of all currently known local peers.
func (l *Local) Peers() []PeerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PeerRecord, 0, len(l.peers))
	for _, e := range l.peers {
		out = append(out, e.record)
	}
	return out
}

// Close releases the multicast socket.
func (l *Local) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
