package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/overlay"
)

// AvailabilitySink is the one-way event channel from discovery to the content
// availability manager, injected after both sides are constructed to break the
// reference cycle between the two. Events flow discovery→availability only; the
// reverse direction is an explicit callback (onVerificationNeeded), which lives on
// the availability package, not here.
type AvailabilitySink interface {
	OnPeerDiscovered(infoHash common.InfoHash, rec PeerRecord)
}

// Config collects the Peer Discovery Manager's construction-time settings.
type Config struct {
	NodeType NodeType

	EnableDHT     bool
	EnablePEX     bool
	EnableLocal   bool
	EnableOverlay bool

	EnableIPv6 bool
	PreferIPv6 bool

	// EnablePersistence writes peer-discovery-peers.json and
	// peer-discovery-hashes.json under PersistenceDir after every Announce,
	// and enables the DHT's routing-table/peer snapshots.
	EnablePersistence bool
	PersistenceDir    string

	// Graph, when set, syncs the ContentId→ContentHash mapping over the overlay
	// at dig-content-maps/<contentId>.
	Graph overlay.Graph

	Logger log.Logger
}

func (c *Config) setDefaults() {
	// NodeType zero value is NodeTypeLight, already a sane default.
}

// Manager unifies DHT, PEX, Local, and Overlay discovery behind one API:
// priority-aware announcements, fan-out findPeers with dedup, and an LRU peer
// cache whose size/TTL scale with NodeType.
type Manager struct {
	cfg    Config
	logger log.Logger

	dht         *DHT
	pex         *PEX
	local       *Local
	overlayDisc *OverlayDiscovery

	contentMap *common.ContentMap

	mu           sync.Mutex
	highPriority map[string]bool // infohash hex -> held exactly, always in memory
	regularSet   map[string]bool // used when bloom is disabled for this node type
	regularBloom *common.CountingBloomFilter

	cache *common.LRU[string, []PeerRecord]

	sinkMu sync.RWMutex
	sink   AvailabilitySink

	contentMapSub overlay.Subscription

	stop chan struct{}
	done chan struct{}
}

// NewManager constructs a Manager. Only the sources enabled in cfg need be
// non-nil; a nil source for an enabled flag is simply skipped by Announce/FindPeers.
func NewManager(cfg Config, dht *DHT, pex *PEX, local *Local, overlayDisc *OverlayDiscovery) *Manager {
	cfg.setDefaults()
	budget := nodeTypeBudgets[cfg.NodeType]

	m := &Manager{
		cfg:          cfg,
		logger:       cfg.Logger,
		dht:          dht,
		pex:          pex,
		local:        local,
		overlayDisc:  overlayDisc,
		contentMap:   common.NewContentMap(),
		highPriority: make(map[string]bool),
		cache:        common.NewLRU[string, []PeerRecord](budget.maxHashes, budget.cacheTTL),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if budget.bloomEnabled {
		m.regularBloom = common.NewCountingBloomFilter(1<<16, 4)
	} else {
		m.regularSet = make(map[string]bool)
	}
	if cfg.EnablePersistence {
		m.load()
		if dht != nil && cfg.PersistenceDir != "" {
			dht.EnablePersistence(cfg.PersistenceDir)
		}
	}
	if cfg.Graph != nil {
		m.watchContentMaps()
	}
	go m.cleanupLoop()
	return m
}

// contentMapWire is the JSON leaf at dig-content-maps/<contentId>.
type contentMapWire struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// watchContentMaps ingests ContentId→ContentHash mappings other nodes publish.
func (m *Manager) watchContentMaps() {
	sub, err := m.cfg.Graph.Subscribe(context.Background(), "dig-content-maps/", true, func(path string, value []byte) {
		contentId := strings.TrimPrefix(path, "dig-content-maps/")
		if contentId == "" {
			return
		}
		var wire contentMapWire
		if json.Unmarshal(value, &wire) != nil {
			return
		}
		hash, err := common.ParseContentHash(wire.Hash)
		if err != nil {
			return
		}
		if err := m.contentMap.Add(contentId, hash); err != nil {
			m.logger.Levelf(log.Debug, "discovery: rejected remote content mapping %q: %v", contentId, err)
		}
	})
	if err != nil {
		m.logger.Levelf(log.Warning, "discovery: content-map subscription failed: %v", err)
		return
	}
	m.contentMapSub = sub
}

// RegisterAvailabilitySink wires the content-availability manager as the one-way
// event sink for newly discovered peers.
func (m *Manager) RegisterAvailabilitySink(sink AvailabilitySink) {
	m.sinkMu.Lock()
	m.sink = sink
	m.sinkMu.Unlock()
}

func (m *Manager) emit(infoHash common.InfoHash, rec PeerRecord) {
	m.sinkMu.RLock()
	sink := m.sink
	m.sinkMu.RUnlock()
	if sink != nil {
		sink.OnPeerDiscovered(infoHash, rec)
	}
}

// AddContentMapping records contentId→hash on the manager's canonical mapping
// and, when an overlay graph is configured, publishes it for other nodes.
// The manager owns the mapping; transfer.Engine only keeps a read-through cache.
func (m *Manager) AddContentMapping(contentId string, hash common.ContentHash) error {
	if err := m.contentMap.Add(contentId, hash); err != nil {
		return err
	}
	if m.cfg.Graph != nil {
		payload, err := json.Marshal(contentMapWire{Hash: hash.String(), Timestamp: time.Now()})
		if err == nil {
			if err := m.cfg.Graph.Put(context.Background(), "dig-content-maps/"+contentId, payload); err != nil {
				m.logger.Levelf(log.Debug, "discovery: content mapping publish failed: %v", err)
			}
		}
	}
	return nil
}

func (m *Manager) HashForContent(contentId string) (common.ContentHash, bool) {
	return m.contentMap.HashForContent(contentId)
}

func (m *Manager) ContentForHash(hash common.ContentHash) (string, bool) {
	return m.contentMap.ContentForHash(hash)
}

// markPriority records infoHash at its priority tier: High is
// always held exactly; Medium/Low go into the bloom filter (super nodes) or a
// plain set.
func (m *Manager) markPriority(infoHash common.InfoHash, priority Priority) {
	key := infoHash.Hex()
	m.mu.Lock()
	defer m.mu.Unlock()
	switch priority {
	case PriorityHigh:
		m.highPriority[key] = true
	default:
		if m.regularBloom != nil {
			m.regularBloom.Add(key)
		} else {
			m.regularSet[key] = true
		}
	}
}

func (m *Manager) knowsHash(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.highPriority[key] {
		return true
	}
	if m.regularBloom != nil {
		return m.regularBloom.Contains(key)
	}
	return m.regularSet[key]
}

// Announce records infoHash at the given priority tier and, for High and Medium
// priority, announces it on the DHT when DHT discovery is enabled. Low priority
// hashes are only recorded. This method publishes on neither local multicast nor
// overlay discovery: Local announces the hash list passed to Local.Start, and
// overlay announcements go through OverlayDiscovery.Announce.
func (m *Manager) Announce(ctx context.Context, infoHash common.InfoHash, priority Priority, port int) error {
	m.markPriority(infoHash, priority)

	if m.cfg.EnableDHT && m.dht != nil && priority != PriorityLow {
		if err := m.dht.Announce(ctx, infoHash, port, 0); err != nil {
			return err
		}
	}
	// Overlay announcement needs a concrete local address, which the manager
	// doesn't hold directly; callers that enable overlay discovery call
	// OverlayDiscovery.Announce themselves once connected.
	if m.cfg.EnablePersistence {
		m.persist()
	}
	return nil
}

// FindPeers fans out to every enabled, constructed source in parallel, unions and
// deduplicates by (source,address,port), sorts by (IP-version preference,
// confidence, freshness), and returns the top maxPeers. A single result never
// contains a duplicate (source,address,port).
func (m *Manager) FindPeers(ctx context.Context, infoHash common.InfoHash, maxPeers int, timeout time.Duration) ([]PeerRecord, error) {
	key := infoHash.Hex()
	if cached, ok := m.cache.Get(key); ok {
		return capPeers(cached, maxPeers), nil
	}

	findCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var all []PeerRecord
	g, gctx := errgroup.WithContext(findCtx)

	if m.cfg.EnableDHT && m.dht != nil {
		g.Go(func() error {
			recs, err := m.dht.FindPeers(gctx, infoHash, maxPeers)
			if err != nil {
				m.logger.Levelf(log.Debug, "discovery: dht findPeers failed: %v", err)
				return nil
			}
			mu.Lock()
			all = append(all, recs...)
			mu.Unlock()
			return nil
		})
	}
	if m.cfg.EnablePEX && m.pex != nil {
		g.Go(func() error {
			mu.Lock()
			all = append(all, m.pex.Peers()...)
			mu.Unlock()
			return nil
		})
	}
	if m.cfg.EnableLocal && m.local != nil {
		g.Go(func() error {
			mu.Lock()
			all = append(all, m.local.Peers()...)
			mu.Unlock()
			return nil
		})
	}
	if m.cfg.EnableOverlay && m.overlayDisc != nil {
		g.Go(func() error {
			recs, err := m.overlayDisc.FindPeers(gctx, infoHash, timeout)
			if err != nil {
				m.logger.Levelf(log.Debug, "discovery: overlay findPeers failed: %v", err)
				return nil
			}
			mu.Lock()
			all = append(all, recs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-source errors are swallowed above; nothing to propagate here

	result := dedupeAndSort(all, m.cfg.PreferIPv6, maxPeers)
	for _, rec := range result {
		m.emit(infoHash, rec)
	}
	if len(result) > 0 {
		m.cache.Put(key, result)
	}
	return result, nil
}

// dedupeAndSort implements the union/dedup/sort/cap pipeline behind FindPeers.
func dedupeAndSort(in []PeerRecord, preferIPv6 bool, maxPeers int) []PeerRecord {
	seen := make(map[string]bool, len(in))
	out := make([]PeerRecord, 0, len(in))
	for _, rec := range in {
		key := rec.dedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Addr.IsIPv6() != b.Addr.IsIPv6() {
			if preferIPv6 {
				return a.Addr.IsIPv6()
			}
			return !a.Addr.IsIPv6()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.LastSeen.After(b.LastSeen)
	})
	return capPeers(out, maxPeers)
}

// cleanupInterval drives the periodic sweep removing peers whose LastSeen exceeds
// cleanupStaleAfter.
const (
	cleanupInterval    = 5 * time.Minute
	cleanupStaleAfter  = 30 * time.Minute
)

func (m *Manager) cleanupLoop() {
	defer close(m.done)
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *Manager) cleanup(now time.Time) {
	for _, key := range m.cache.Keys() {
		recs, ok := m.cache.Get(key)
		if !ok {
			continue
		}
		fresh := recs[:0:0]
		for _, r := range recs {
			if now.Sub(r.LastSeen) <= cleanupStaleAfter {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) == 0 {
			m.cache.Remove(key)
		} else if len(fresh) != len(recs) {
			m.cache.Put(key, fresh)
		}
	}
	if m.local != nil {
		m.local.expireStale(now)
	}
	if m.pex != nil {
		m.pex.Cleanup(now)
	}
}

// persistedPeerRecord and persistedHashes mirror the two peer-discovery-*.json files
// of the on-disk persistence layout.
type persistedPeerRecord struct {
	NodeId   string    `json:"nodeId"`
	Addr     string    `json:"addr"`
	Source     string    `json:"source"`
	LastSeen   time.Time `json:"lastSeen"`
	Flags      uint32    `json:"flags"`
	Confidence float64   `json:"confidence"`
}

type persistedHashes struct {
	HighPriority []string `json:"highPriority"`
	Regular      []string `json:"regular"`
}

func (m *Manager) persist() {
	if m.cfg.PersistenceDir == "" {
		return
	}
	m.persistPeers()
	m.persistHashes()
}

func (m *Manager) persistPeers() {
	snapshot := make(map[string][]persistedPeerRecord)
	for _, key := range m.cache.Keys() {
		recs, ok := m.cache.Get(key)
		if !ok {
			continue
		}
		for _, r := range recs {
			snapshot[key] = append(snapshot[key], persistedPeerRecord{
				NodeId:     r.NodeId.String(),
				Addr:       r.Addr.String(),
				Source:     string(r.Source),
				LastSeen:   r.LastSeen,
				Flags:      r.Flags,
				Confidence: r.Confidence,
			})
		}
	}
	writeJSON(filepath.Join(m.cfg.PersistenceDir, "peer-discovery-peers.json"), snapshot, m.logger)
}

func (m *Manager) persistHashes() {
	m.mu.Lock()
	hashes := persistedHashes{}
	for k := range m.highPriority {
		hashes.HighPriority = append(hashes.HighPriority, k)
	}
	for k := range m.regularSet {
		hashes.Regular = append(hashes.Regular, k)
	}
	m.mu.Unlock()
	writeJSON(filepath.Join(m.cfg.PersistenceDir, "peer-discovery-hashes.json"), hashes, m.logger)
}

func (m *Manager) load() {
	if m.cfg.PersistenceDir == "" {
		return
	}
	var hashes persistedHashes
	if readJSON(filepath.Join(m.cfg.PersistenceDir, "peer-discovery-hashes.json"), &hashes) {
		m.mu.Lock()
		for _, k := range hashes.HighPriority {
			m.highPriority[k] = true
		}
		for _, k := range hashes.Regular {
			if m.regularBloom != nil {
				m.regularBloom.Add(k)
			} else if m.regularSet != nil {
				m.regularSet[k] = true
			}
		}
		m.mu.Unlock()
	}

	var peers map[string][]persistedPeerRecord
	if readJSON(filepath.Join(m.cfg.PersistenceDir, "peer-discovery-peers.json"), &peers) {
		for key, recs := range peers {
			out := make([]PeerRecord, 0, len(recs))
			for _, pr := range recs {
				addr, err := common.ParseAddr(pr.Addr)
				if err != nil {
					continue
				}
				var id common.NodeId
				if pr.NodeId != "" {
					id, _ = common.ParseNodeId(pr.NodeId)
				}
				out = append(out, PeerRecord{
					NodeId:     id,
					Addr:       addr,
					Source:     Source(pr.Source),
					LastSeen:   pr.LastSeen,
					Flags:      pr.Flags,
					Confidence: pr.Confidence,
				})
			}
			if len(out) > 0 {
				m.cache.Put(key, out)
			}
		}
	}
}

func writeJSON(path string, v any, logger log.Logger) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Levelf(log.Warning, "discovery: marshal failed for %s: %v", path, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Levelf(log.Warning, "discovery: mkdir failed for %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		// Persistence failures are logged; the manager continues in-memory.
		logger.Levelf(log.Warning, "discovery: write failed for %s: %v", path, err)
	}
}

func readJSON(path string, v any) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, v) == nil
}

// Close stops the cleanup loop and every wrapped source.
func (m *Manager) Close() error {
	close(m.stop)
	<-m.done
	if m.contentMapSub != nil {
		m.contentMapSub.Close()
	}
	var firstErr error
	closeAll := []func() error{}
	if m.dht != nil {
		closeAll = append(closeAll, m.dht.Close)
	}
	if m.pex != nil {
		closeAll = append(closeAll, m.pex.Close)
	}
	if m.local != nil {
		closeAll = append(closeAll, m.local.Close)
	}
	for _, fn := range closeAll {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("discovery: close: %w", err)
		}
	}
	return firstErr
}
