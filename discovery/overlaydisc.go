package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/overlay"
)

// OverlayDiscovery is the fourth discovery source named by the manager: a
// direct hash→peer lookup over the signaling overlay, independent of the DHT's own
// routing-table/content-path scheme. It is only consulted for High-priority
// announcements.
type OverlayDiscovery struct {
	graph overlay.Graph
	self  common.NodeId
}

// NewOverlayDiscovery constructs a client.
func NewOverlayDiscovery(graph overlay.Graph, self common.NodeId) *OverlayDiscovery {
	return &OverlayDiscovery{graph: graph, self: self}
}

func overlayDiscoveryPath(infoHashHex string) string {
	return "discovery/peers/" + infoHashHex + "/"
}

// Announce publishes this node as serving infoHash over the overlay discovery path.
func (o *OverlayDiscovery) Announce(ctx context.Context, infoHash common.InfoHash, addr common.Addr) error {
	payload, err := json.Marshal(contentEntryWire{
		Address:   addr.IP.String(),
		Port:      addr.Port,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	path := overlayDiscoveryPath(infoHash.Hex()) + o.self.String()
	return o.graph.Put(ctx, path, payload)
}

// FindPeers subscribes to the overlay discovery path for infoHash for the given
// timeout and returns every peer observed.
func (o *OverlayDiscovery) FindPeers(ctx context.Context, infoHash common.InfoHash, timeout time.Duration) ([]PeerRecord, error) {
	findCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prefix := overlayDiscoveryPath(infoHash.Hex())
	var mu sync.Mutex
	var out []PeerRecord
	sub, err := o.graph.Subscribe(findCtx, prefix, true, func(path string, value []byte) {
		idHex := strings.TrimPrefix(path, prefix)
		if idHex == o.self.String() || !validNodeIdHex(idHex) {
			return
		}
		var entry contentEntryWire
		if json.Unmarshal(value, &entry) != nil {
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
		out = append(out, PeerRecord{NodeId: id, Addr: addr, Source: SourceOverlay, LastSeen: entry.Timestamp, Confidence: sourceConfidence[SourceOverlay]})
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	<-findCtx.Done()
	mu.Lock()
	defer mu.Unlock()
	return append([]PeerRecord(nil), out...), nil
}
