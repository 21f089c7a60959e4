package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/overlay"
)

func testSelf(b byte) common.NodeId {
	var id common.NodeId
	id[0] = b
	return id
}

func newTestManager(t *testing.T) (*Manager, *DHT) {
	t.Helper()
	graph := overlay.NewLocalGraph()
	self := testSelf(1)
	selfAddr, err := common.ParseAddr("127.0.0.1:6000")
	require.NoError(t, err)

	dht := NewDHT(graph, self, selfAddr, NodeTypeStandard, nil, log.Logger{})
	require.NoError(t, dht.Start(context.Background()))
	t.Cleanup(func() { dht.Close() })

	m := NewManager(Config{NodeType: NodeTypeStandard, EnableDHT: true}, dht, nil, nil, nil)
	t.Cleanup(func() { m.Close() })
	return m, dht
}

func TestAnnounceFindPeersRoundTrip(t *testing.T) {
	graph := overlay.NewLocalGraph()

	selfA := testSelf(1)
	addrA, err := common.ParseAddr("127.0.0.1:7001")
	require.NoError(t, err)
	dhtA := NewDHT(graph, selfA, addrA, NodeTypeStandard, nil, log.Logger{})
	require.NoError(t, dhtA.Start(context.Background()))
	defer dhtA.Close()
	mgrA := NewManager(Config{NodeType: NodeTypeStandard, EnableDHT: true}, dhtA, nil, nil, nil)
	defer mgrA.Close()

	selfB := testSelf(2)
	addrB, err := common.ParseAddr("127.0.0.1:7002")
	require.NoError(t, err)
	dhtB := NewDHT(graph, selfB, addrB, NodeTypeStandard, nil, log.Logger{})
	require.NoError(t, dhtB.Start(context.Background()))
	defer dhtB.Close()
	mgrB := NewManager(Config{NodeType: NodeTypeStandard, EnableDHT: true}, dhtB, nil, nil, nil)
	defer mgrB.Close()

	hash := common.HashBytes([]byte("round trip content"))
	infoHash := common.NewInfoHashFromContentHash(hash)

	require.NoError(t, mgrA.Announce(context.Background(), infoHash, PriorityHigh, 7001))

	peers, err := mgrB.FindPeers(context.Background(), infoHash, 10, 2*time.Second)
	require.NoError(t, err)
	found := false
	for _, p := range peers {
		if p.NodeId == selfA {
			found = true
			assert.Equal(t, 7001, p.Addr.Port)
		}
	}
	assert.True(t, found, "node B must observe node A's announcement for the hash")
}

func TestFindPeersNeverReturnsDuplicateSourceAddrPort(t *testing.T) {
	addr, err := common.ParseAddr("203.0.113.5:6881")
	require.NoError(t, err)
	recs := dedupeAndSort([]PeerRecord{
		{Source: SourceDHT, Addr: addr, LastSeen: time.Now()},
		{Source: SourceDHT, Addr: addr, LastSeen: time.Now()},
		{Source: SourcePEX, Addr: addr, LastSeen: time.Now()},
	}, false, 10)
	assert.Len(t, recs, 2)
}

func TestContentMappingRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	hash := common.HashBytes([]byte("x"))
	require.NoError(t, m.AddContentMapping("my-content", hash))

	got, ok := m.HashForContent("my-content")
	require.True(t, ok)
	assert.Equal(t, hash, got)

	contentId, ok := m.ContentForHash(hash)
	require.True(t, ok)
	assert.Equal(t, "my-content", contentId)
}

func TestAnnounceTracksHighPriorityExactly(t *testing.T) {
	m, _ := newTestManager(t)
	hash := common.HashBytes([]byte("high prio"))
	infoHash := common.NewInfoHashFromContentHash(hash)
	require.NoError(t, m.Announce(context.Background(), infoHash, PriorityHigh, 9000))
	assert.True(t, m.knowsHash(infoHash.Hex()))
}

func TestContentMappingSyncsOverOverlay(t *testing.T) {
	graph := overlay.NewLocalGraph()

	mgrA := NewManager(Config{NodeType: NodeTypeStandard, Graph: graph}, nil, nil, nil, nil)
	t.Cleanup(func() { mgrA.Close() })
	mgrB := NewManager(Config{NodeType: NodeTypeStandard, Graph: graph}, nil, nil, nil, nil)
	t.Cleanup(func() { mgrB.Close() })

	hash := common.HashBytes([]byte("shared mapping"))
	require.NoError(t, mgrA.AddContentMapping("shared-content", hash))

	require.Eventually(t, func() bool {
		got, ok := mgrB.HashForContent("shared-content")
		return ok && got.Equal(hash)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDHTPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	graph := overlay.NewLocalGraph()
	self := testSelf(1)
	selfAddr, err := common.ParseAddr("127.0.0.1:6100")
	require.NoError(t, err)

	peerAddr, err := common.ParseAddr("203.0.113.9:6200")
	require.NoError(t, err)
	peer := testSelf(9)

	d := NewDHT(graph, self, selfAddr, NodeTypeStandard, nil, log.Logger{})
	d.EnablePersistence(dir)
	d.mu.Lock()
	d.table[peer] = DHTNode{Id: peer, Addr: peerAddr, LastSeen: time.Now(), NodeType: NodeTypeStandard}
	d.mu.Unlock()
	require.NoError(t, d.Close())

	d2 := NewDHT(graph, self, selfAddr, NodeTypeStandard, nil, log.Logger{})
	d2.EnablePersistence(dir)
	t.Cleanup(func() { d2.Close() })

	nodes := d2.FindNode(peer)
	require.NotEmpty(t, nodes)
	assert.Equal(t, peer, nodes[0].Id)
	assert.Equal(t, peerAddr.String(), nodes[0].Addr.String())
}
