// Package discovery implements the peer discovery layer: a Kademlia-
// style DHT run over the signaling overlay, peer exchange gossip, local multicast
// discovery, and the manager that unifies all three (plus overlay lookup) behind one
// API with priority-aware announcements.
package discovery

import (
	"net"
	"time"

	"github.com/dannyzb/dignat/common"
)

// Source identifies which discovery mechanism produced a PeerRecord.
type Source string

const (
	SourceDHT     Source = "dht"
	SourcePEX     Source = "pex"
	SourceLocal   Source = "local"
	SourceOverlay Source = "overlay"
	SourceManual  Source = "manual"
)

// Capability flag bits carried in PeerRecord.Flags and PEX announcements.
const (
	FlagPreferEncryption uint32 = 1 << iota
	FlagCanUseUTP
	FlagIsReachable
	FlagSupportsNetCrypto
)

// sourceConfidence is the base trust assigned to a record by where it came from.
// Manual entries are taken at face value; local-network sightings are nearly as
// good; gossip is the weakest signal.
var sourceConfidence = map[Source]float64{
	SourceManual:  1.0,
	SourceLocal:   0.9,
	SourceDHT:     0.8,
	SourceOverlay: 0.6,
	SourcePEX:     0.5,
}

// Priority is an announcement priority tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// NodeType scales the discovery manager's memory budgets.
type NodeType int

const (
	NodeTypeLight NodeType = iota
	NodeTypeStandard
	NodeTypeSuper
)

// nodeTypeBudget describes the peer-cache and hash-cache limits for a node type.
type nodeTypeBudget struct {
	maxPeers     int
	maxHashes    int
	cacheTTL     time.Duration
	bloomEnabled bool
}

var nodeTypeBudgets = map[NodeType]nodeTypeBudget{
	NodeTypeLight:    {maxPeers: 100, maxHashes: 50, cacheTTL: 15 * time.Minute, bloomEnabled: false},
	NodeTypeStandard: {maxPeers: 1000, maxHashes: 200, cacheTTL: 30 * time.Minute, bloomEnabled: false},
	NodeTypeSuper:    {maxPeers: 10000, maxHashes: 1000, cacheTTL: 60 * time.Minute, bloomEnabled: true},
}

// PeerRecord is a discovered peer, as returned by any Source.
type PeerRecord struct {
	NodeId    common.NodeId
	Addr      common.Addr
	Source    Source
	LastSeen  time.Time
	Flags      uint32  // capability bitset, used by PEX's findPeersWithCapabilities
	Confidence float64 // in [0,1]; seeded from sourceConfidence at construction
}

// dedupeKey groups records for the manager's (source,address,port) dedup rule.
func (p PeerRecord) dedupeKey() string {
	return string(p.Source) + "|" + p.Addr.String()
}

func validNodeIdHex(s string) bool {
	if len(s) != common.NodeIdLen*2 {
		return false
	}
	for _, r := range s {
		if !isHex(r) {
			return false
		}
	}
	return true
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func isHexString(s string) bool {
	for _, r := range s {
		if !isHex(r) {
			return false
		}
	}
	return true
}

func validAddr(ip net.IP, port int) bool {
	if ip == nil || port <= 0 || port > 65535 {
		return false
	}
	return ip.To4() != nil || ip.To16() != nil
}
