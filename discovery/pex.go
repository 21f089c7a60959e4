package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/overlay"
)

const (
	pexDefaultCap        = 200
	pexDefaultExpiry     = 30 * time.Minute
	pexAnnounceInterval  = 5 * time.Minute
)

// pexMessageType is a closed enum of PEX message kinds.
type pexMessageType string

const (
	pexAddPeers    pexMessageType = "ADD_PEERS"
	pexRemovePeers pexMessageType = "REMOVE_PEERS"
)

type pexMessage struct {
	Type       pexMessageType `json:"type"`
	SelfId     string         `json:"selfId"`
	Address    string         `json:"address"`
	Port       int            `json:"port"`
	InfoHashes []string       `json:"infoHashes"`
	Flags      uint32         `json:"flags"`
}

type pexEntry struct {
	record     PeerRecord
	infoHashes map[string]bool
	expiresAt  time.Time
	connected  bool
}

// PEX implements the Peer Exchange mechanism: periodic self-announcements and a
// bounded, expiring table of peers learned from others' announcements.
type PEX struct {
	graph    overlay.Graph
	self     common.NodeId
	selfAddr common.Addr
	logger   log.Logger

	cap          int
	expiry       time.Duration
	dedupByAddr  bool // true: dedup by (address,port); false: dedup by NodeId

	mu      sync.Mutex
	peers   map[string]*pexEntry // keyed per dedupByAddr
	sub     overlay.Subscription
	cancel  context.CancelFunc
}

// PEXOption configures optional PEX behavior.
type PEXOption func(*PEX)

// WithPEXCap overrides the default bounded-table capacity (200).
func WithPEXCap(cap int) PEXOption { return func(p *PEX) { p.cap = cap } }

// WithPEXExpiry overrides the default peer expiry (30 min).
func WithPEXExpiry(d time.Duration) PEXOption { return func(p *PEX) { p.expiry = d } }

// WithPEXDedupByNodeId disables address-based dedup in favor of NodeId dedup.
func WithPEXDedupByNodeId() PEXOption { return func(p *PEX) { p.dedupByAddr = false } }

// NewPEX constructs a PEX manager.
func NewPEX(graph overlay.Graph, self common.NodeId, selfAddr common.Addr, logger log.Logger, opts ...PEXOption) *PEX {
	p := &PEX{
		graph:       graph,
		self:        self,
		selfAddr:    selfAddr,
		logger:      logger,
		cap:         pexDefaultCap,
		expiry:      pexDefaultExpiry,
		dedupByAddr: true,
		peers:       make(map[string]*pexEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes to pex/messages/ and begins periodic self-announcement carrying
// infoHashes (content this node serves or wants peers for).
func (p *PEX) Start(ctx context.Context, infoHashes []string) error {
	sub, err := p.graph.Subscribe(ctx, "pex/messages/", true, p.onMessage)
	if err != nil {
		return err
	}
	announceCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.sub = sub
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.announce(announceCtx, pexAddPeers, infoHashes); err != nil {
		return err
	}
	go func() {
		t := time.NewTicker(pexAnnounceInterval)
		defer t.Stop()
		for {
			select {
			case <-announceCtx.Done():
				return
			case <-t.C:
				if err := p.announce(announceCtx, pexAddPeers, infoHashes); err != nil {
					p.logger.Levelf(log.Debug, "pex: announce failed: %v", err)
				}
			}
		}
	}()
	return nil
}

func (p *PEX) announce(ctx context.Context, msgType pexMessageType, infoHashes []string) error {
	msg := pexMessage{
		Type:       msgType,
		SelfId:     p.self.String(),
		Address:    p.selfAddr.IP.String(),
		Port:       p.selfAddr.Port,
		InfoHashes: infoHashes,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("pex/messages/%s_%d", p.self.String(), time.Now().UnixNano())
	return p.graph.Put(ctx, path, payload)
}

// Depart publishes a best-effort REMOVE_PEERS message announcing this node's
// exit. By convention the removal is self-identifying: address "" and port 0,
// with receivers falling back to identity-keyed deletion. A cancelled context
// skips the courtesy message entirely.
func (p *PEX) Depart(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := pexMessage{Type: pexRemovePeers, SelfId: p.self.String(), Address: "", Port: 0}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("pex/messages/%s_%d", p.self.String(), time.Now().UnixNano())
	return p.graph.Put(ctx, path, payload)
}

func (p *PEX) onMessage(_ string, value []byte) {
	var msg pexMessage
	if json.Unmarshal(value, &msg) != nil {
		return
	}
	if msg.SelfId == p.self.String() || !validNodeIdHex(msg.SelfId) {
		return
	}
	id, err := common.ParseNodeId(msg.SelfId)
	if err != nil {
		return
	}

	switch msg.Type {
	case pexRemovePeers:
		p.remove(id, msg.Address, msg.Port)
	case pexAddPeers:
		addr, err := common.ParseAddr(fmt.Sprintf("%s:%d", msg.Address, msg.Port))
		if err != nil {
			return
		}
		p.add(PeerRecord{NodeId: id, Addr: addr, Source: SourcePEX, LastSeen: time.Now(), Flags: msg.Flags, Confidence: sourceConfidence[SourcePEX]}, msg.InfoHashes)
	}
}

func (p *PEX) key(id common.NodeId, addr common.Addr) string {
	if p.dedupByAddr {
		return addr.String()
	}
	return id.String()
}

func (p *PEX) add(rec PeerRecord, infoHashes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.key(rec.NodeId, rec.Addr)
	if _, exists := p.peers[key]; !exists && len(p.peers) >= p.cap {
		p.evictOneExpendableLocked()
	}
	hashSet := make(map[string]bool, len(infoHashes))
	for _, h := range infoHashes {
		hashSet[h] = true
	}
	p.peers[key] = &pexEntry{record: rec, infoHashes: hashSet, expiresAt: time.Now().Add(p.expiry)}
}

func (p *PEX) remove(id common.NodeId, address string, port int) {
	addr, err := common.ParseAddr(fmt.Sprintf("%s:%d", address, port))
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.peers, p.key(id, addr))
		return
	}
	// Some peers publish removals with a blank address and port 0; fall back to
	// identity-based removal for those.
	for k, e := range p.peers {
		if e.record.NodeId == id {
			delete(p.peers, k)
		}
	}
}

// evictOneExpendableLocked drops one non-connected entry to make room, preferring
// the closest to expiry. Connected peers are exempt from cleanup.
func (p *PEX) evictOneExpendableLocked() {
	var oldestKey string
	var oldestExpiry time.Time
	found := false
	for k, e := range p.peers {
		if e.connected {
			continue
		}
		if !found || e.expiresAt.Before(oldestExpiry) {
			oldestKey, oldestExpiry, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(p.peers, oldestKey)
	}
}

// MarkConnected exempts a peer from capacity-driven and TTL-driven cleanup while
// the connection is live.
func (p *PEX) MarkConnected(id common.NodeId, addr common.Addr, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.peers[p.key(id, addr)]; ok {
		e.connected = connected
	}
}

// Cleanup removes expired, non-connected entries.
func (p *PEX) Cleanup(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for k, e := range p.peers {
		if !e.connected && now.After(e.expiresAt) {
			delete(p.peers, k)
			removed++
		}
	}
	return removed
}

// Peers returns a snapshot of all currently known peers.
func (p *PEX) Peers() []PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PeerRecord, 0, len(p.peers))
	for _, e := range p.peers {
		out = append(out, e.record)
	}
	return out
}

// FindPeersWithCapabilities returns peers that announced infoHash (empty matches
// everything) and whose Flags contain every bit set in requiredFlags.
func (p *PEX) FindPeersWithCapabilities(infoHash string, requiredFlags uint32) []PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PeerRecord
	for _, e := range p.peers {
		if infoHash != "" && !e.infoHashes[infoHash] {
			continue
		}
		if e.record.Flags&requiredFlags == requiredFlags {
			out = append(out, e.record)
		}
	}
	return out
}

// Close stops the subscription and announce loop.
func (p *PEX) Close() error {
	p.mu.Lock()
	sub, cancel := p.sub, p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}
