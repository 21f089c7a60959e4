package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/overlay"
)

// dhtK is Kademlia's bucket size; the routing table's soft cap is K×20 since buckets
// here are implicit (a flat map).
const dhtK = 8

const dhtRoutingTableCap = dhtK * 20

// DHTNode is one routing-table entry.
type DHTNode struct {
	Id       common.NodeId `json:"-"`
	Addr     common.Addr   `json:"-"`
	LastSeen time.Time     `json:"-"`
	NodeType NodeType      `json:"-"`
}

// dhtNodeWire is the JSON shape published at routing/<nodeId>.
type dhtNodeWire struct {
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"lastSeen"`
	NodeType int       `json:"nodeType"`
}

type contentEntryWire struct {
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Timestamp time.Time `json:"timestamp"`
}

// DHT implements the Kademlia-style client running over the signaling overlay
// instead of raw UDP. The routing table is a flat map; buckets are implicit.
type DHT struct {
	graph     overlay.Graph
	self      common.NodeId
	selfAddr  common.Addr
	nodeType  NodeType
	logger    log.Logger
	shardSet  map[string]bool // nil means unsharded: authoritative for everything

	mu      sync.RWMutex
	table   map[common.NodeId]DHTNode
	peerCache map[string][]PeerRecord // keyed by infohash hex

	subMu sync.Mutex
	sub   overlay.Subscription

	announceMu sync.Mutex
	announces  map[string]context.CancelFunc

	persistDir string
}

// NewDHT constructs a client; Start subscribes to routing/* for peer discovery.
// shardPrefixes, if non-empty, restricts which infohash prefixes this node announces
// and fully subscribes for. EnablePersistence turns on dht-routing-table.json and
// dht-peers.json snapshots.
func NewDHT(graph overlay.Graph, self common.NodeId, selfAddr common.Addr, nodeType NodeType, shardPrefixes []string, logger log.Logger) *DHT {
	var shardSet map[string]bool
	if len(shardPrefixes) > 0 {
		shardSet = make(map[string]bool, len(shardPrefixes))
		for _, p := range shardPrefixes {
			p = strings.ToLower(p)
			if p == "" || len(p) > common.ContentHashLen*2 || !isHexString(p) {
				logger.Levelf(log.Warning, "dht: dropping invalid shard prefix %q", p)
				continue
			}
			shardSet[p] = true
		}
	}
	d := &DHT{
		graph:     graph,
		self:      self,
		selfAddr:  selfAddr,
		nodeType:  nodeType,
		logger:    logger,
		shardSet:  shardSet,
		table:     make(map[common.NodeId]DHTNode),
		peerCache: make(map[string][]PeerRecord),
		announces: make(map[string]context.CancelFunc),
	}
	return d
}

// EnablePersistence loads any prior snapshot from dir and persists the routing
// table and peer cache there on Close.
func (d *DHT) EnablePersistence(dir string) {
	d.persistDir = dir
	d.load()
}

// persistedDHTNode is the on-disk shape of one routing-table entry.
type persistedDHTNode struct {
	Id       string    `json:"id"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"lastSeen"`
	NodeType int       `json:"nodeType"`
}

// dhtPersistCap bounds dht-routing-table.json to the most-recently-seen entries.
const dhtPersistCap = 1000

func (d *DHT) persist() {
	if d.persistDir == "" {
		return
	}
	d.mu.RLock()
	nodes := make([]persistedDHTNode, 0, len(d.table))
	for _, n := range d.table {
		nodes = append(nodes, persistedDHTNode{Id: n.Id.String(), Addr: n.Addr.String(), LastSeen: n.LastSeen, NodeType: int(n.NodeType)})
	}
	peers := make(map[string][]persistedPeerRecord, len(d.peerCache))
	for key, recs := range d.peerCache {
		for _, r := range recs {
			peers[key] = append(peers[key], persistedPeerRecord{
				NodeId: r.NodeId.String(), Addr: r.Addr.String(), Source: string(r.Source),
				LastSeen: r.LastSeen, Flags: r.Flags, Confidence: r.Confidence,
			})
		}
	}
	d.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].LastSeen.After(nodes[j].LastSeen) })
	if len(nodes) > dhtPersistCap {
		nodes = nodes[:dhtPersistCap]
	}
	writeJSON(filepath.Join(d.persistDir, "dht-routing-table.json"), nodes, d.logger)
	writeJSON(filepath.Join(d.persistDir, "dht-peers.json"), peers, d.logger)
}

func (d *DHT) load() {
	var nodes []persistedDHTNode
	if readJSON(filepath.Join(d.persistDir, "dht-routing-table.json"), &nodes) {
		d.mu.Lock()
		for _, pn := range nodes {
			id, err := common.ParseNodeId(pn.Id)
			if err != nil {
				continue
			}
			addr, err := common.ParseAddr(pn.Addr)
			if err != nil {
				continue
			}
			d.table[id] = DHTNode{Id: id, Addr: addr, LastSeen: pn.LastSeen, NodeType: NodeType(pn.NodeType)}
		}
		d.mu.Unlock()
	}

	var peers map[string][]persistedPeerRecord
	if readJSON(filepath.Join(d.persistDir, "dht-peers.json"), &peers) {
		d.mu.Lock()
		for key, recs := range peers {
			for _, pr := range recs {
				id, err := common.ParseNodeId(pr.NodeId)
				if err != nil {
					continue
				}
				addr, err := common.ParseAddr(pr.Addr)
				if err != nil {
					continue
				}
				d.peerCache[key] = append(d.peerCache[key], PeerRecord{
					NodeId: id, Addr: addr, Source: Source(pr.Source),
					LastSeen: pr.LastSeen, Flags: pr.Flags, Confidence: pr.Confidence,
				})
			}
		}
		d.mu.Unlock()
	}
}

// inShard reports whether this node is authoritative for an infohash, i.e. whether
// it should announce content under it or retain a full subscription for it.
func (d *DHT) inShard(infoHash string) bool {
	if d.shardSet == nil {
		return true
	}
	for prefix := range d.shardSet {
		if strings.HasPrefix(infoHash, prefix) {
			return true
		}
	}
	return false
}

// Start publishes this node's own routing-table entry and subscribes to routing/*
// to observe peers.
func (d *DHT) Start(ctx context.Context) error {
	if err := d.publishSelf(ctx); err != nil {
		return err
	}
	sub, err := d.graph.Subscribe(ctx, "routing/", true, d.onRoutingUpdate)
	if err != nil {
		return err
	}
	d.subMu.Lock()
	d.sub = sub
	d.subMu.Unlock()
	return nil
}

func (d *DHT) publishSelf(ctx context.Context) error {
	payload, err := json.Marshal(dhtNodeWire{
		Address:  d.selfAddr.IP.String(),
		Port:     d.selfAddr.Port,
		LastSeen: time.Now(),
		NodeType: int(d.nodeType),
	})
	if err != nil {
		return err
	}
	return d.graph.Put(ctx, "routing/"+d.self.String(), payload)
}

func (d *DHT) onRoutingUpdate(path string, value []byte) {
	idHex := strings.TrimPrefix(path, "routing/")
	if !validNodeIdHex(idHex) {
		return
	}
	var wire dhtNodeWire
	if json.Unmarshal(value, &wire) != nil {
		return
	}
	id, err := common.ParseNodeId(idHex)
	if err != nil || id == d.self {
		return
	}
	addr, err := common.ParseAddr(fmt.Sprintf("%s:%d", wire.Address, wire.Port))
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.table[id]; !exists && len(d.table) >= dhtRoutingTableCap {
		d.evictOldestLocked()
	}
	d.table[id] = DHTNode{Id: id, Addr: addr, LastSeen: wire.LastSeen, NodeType: NodeType(wire.NodeType)}
}

func (d *DHT) evictOldestLocked() {
	var oldestId common.NodeId
	var oldestSeen time.Time
	first := true
	for id, node := range d.table {
		if first || node.LastSeen.Before(oldestSeen) {
			oldestId, oldestSeen = id, node.LastSeen
			first = false
		}
	}
	if !first {
		delete(d.table, oldestId)
	}
}

// FindNode returns the K closest routing-table entries to target under XOR distance.
func (d *DHT) FindNode(target common.NodeId) []DHTNode {
	d.mu.RLock()
	nodes := make([]DHTNode, 0, len(d.table))
	for _, n := range d.table {
		nodes = append(nodes, n)
	}
	d.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Id.Distance(target).Cmp(nodes[j].Id.Distance(target)) < 0
	})
	if len(nodes) > dhtK {
		nodes = nodes[:dhtK]
	}
	return nodes
}

// FindPeers returns peers announcing infoHash, consulting the cache first, falling
// back to a one-shot subscription with a deadline that depends on shard membership.
func (d *DHT) FindPeers(ctx context.Context, infoHash common.InfoHash, maxPeers int) ([]PeerRecord, error) {
	key := infoHash.Hex()

	d.mu.RLock()
	cached := d.peerCache[key]
	d.mu.RUnlock()
	if len(cached) > 0 {
		return capPeers(cached, maxPeers), nil
	}

	deadline := 2 * time.Second
	if !d.inShard(key) {
		deadline = time.Second
	}
	findCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var mu sync.Mutex
	var collected []PeerRecord
	prefix := "content/" + key + "/"
	sub, err := d.graph.Subscribe(findCtx, prefix, true, func(path string, value []byte) {
		idHex := strings.TrimPrefix(path, prefix)
		if idHex == d.self.String() || !validNodeIdHex(idHex) {
			return
		}
		var entry contentEntryWire
		if json.Unmarshal(value, &entry) != nil {
			return
		}
		if time.Since(entry.Timestamp) > nodeTypeBudgets[d.nodeType].cacheTTL {
			return
		}
		id, err := common.ParseNodeId(idHex)
		if err != nil {
			return
		}
		addr, err := common.ParseAddr(fmt.Sprintf("%s:%d", entry.Address, entry.Port))
		if err != nil {
			return
		}
		mu.Lock()
		collected = append(collected, PeerRecord{NodeId: id, Addr: addr, Source: SourceDHT, LastSeen: entry.Timestamp, Confidence: sourceConfidence[SourceDHT]})
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	<-findCtx.Done()

	mu.Lock()
	result := append([]PeerRecord(nil), collected...)
	mu.Unlock()

	if len(result) > 0 {
		d.mu.Lock()
		d.peerCache[key] = result
		d.mu.Unlock()
	}
	return capPeers(result, maxPeers), nil
}

// Announce publishes this node's own entry under content/<infoHash>/<selfId> and
// repeats every interval until ctx is done. Sharded nodes skip hashes outside their
// prefix set.
func (d *DHT) Announce(ctx context.Context, infoHash common.InfoHash, port int, interval time.Duration) error {
	key := infoHash.Hex()
	if !d.inShard(key) {
		return nil
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	announceCtx, cancel := context.WithCancel(ctx)
	d.announceMu.Lock()
	if prior, ok := d.announces[key]; ok {
		prior()
	}
	d.announces[key] = cancel
	d.announceMu.Unlock()

	if err := d.announceOnce(announceCtx, key, port); err != nil {
		return err
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-announceCtx.Done():
				return
			case <-t.C:
				if err := d.announceOnce(announceCtx, key, port); err != nil {
					d.logger.Levelf(log.Debug, "dht: re-announce of %s failed: %v", key, err)
				}
			}
		}
	}()
	return nil
}

func (d *DHT) announceOnce(ctx context.Context, key string, port int) error {
	payload, err := json.Marshal(contentEntryWire{
		Address:   d.selfAddr.IP.String(),
		Port:      port,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("content/%s/%s", key, d.self.String())
	return d.graph.Put(ctx, path, payload)
}

func capPeers(peers []PeerRecord, maxPeers int) []PeerRecord {
	if maxPeers > 0 && len(peers) > maxPeers {
		return peers[:maxPeers]
	}
	return peers
}

// Close stops the routing-table subscription and all active announce loops, and
// snapshots state to disk when persistence is enabled.
func (d *DHT) Close() error {
	d.persist()
	d.announceMu.Lock()
	for _, cancel := range d.announces {
		cancel()
	}
	d.announceMu.Unlock()

	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.sub != nil {
		return d.sub.Close()
	}
	return nil
}
