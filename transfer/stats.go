package transfer

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/multiless"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/nat"
)

// nodeIdSortKey derives a deterministic int64 tiebreaker from a NodeId's first 8
// bytes, for use as a secondary multiless ordering key.
func nodeIdSortKey(id common.NodeId) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]))
}

// maxConsecutiveFailures is the threshold at which a
// peer is marked inactive.
const maxConsecutiveFailures = 3

// statsTable owns PeerDownloadStats for every peer connected to one download.
// Each download owns its own table; nothing is shared across downloads.
type statsTable struct {
	mu    sync.Mutex
	stats map[string]*PeerDownloadStats // keyed by PeerId.String()
	rng   *rand.Rand
}

func newStatsTable() *statsTable {
	return &statsTable{
		stats: make(map[string]*PeerDownloadStats),
		rng:   rand.New(rand.NewSource(1)),
	}
}

func (st *statsTable) addPeer(id common.NodeId, method nat.Method) {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := id.String()
	if _, ok := st.stats[key]; ok {
		return
	}
	st.stats[key] = &PeerDownloadStats{PeerId: id, Active: true, Method: method}
}

func (st *statsTable) removePeer(id common.NodeId) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.stats, id.String())
}

// recordSuccess applies the EMA update: speed = 0.7*old + 0.3*new.
func (st *statsTable) recordSuccess(id common.NodeId, bytes int64, elapsed time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.stats[id.String()]
	if !ok {
		return
	}
	speed := float64(bytes)
	if elapsed > 0 {
		speed = float64(bytes) / elapsed.Seconds()
	}
	if s.EMASpeed == 0 {
		s.EMASpeed = speed
	} else {
		s.EMASpeed = 0.7*s.EMASpeed + 0.3*speed
	}
	s.ConsecutiveFailures = 0
	s.BytesDownloaded += bytes
	s.ChunksDownloaded++
	s.LastChunkAt = time.Now()
	s.Active = true
}

// recordFailure counts toward the failure threshold: at 3 consecutive
// failures the peer is marked inactive.
func (st *statsTable) recordFailure(id common.NodeId) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.stats[id.String()]
	if !ok {
		return
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= maxConsecutiveFailures {
		s.Active = false
	}
}

func (st *statsTable) get(id common.NodeId) (PeerDownloadStats, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.stats[id.String()]
	if !ok {
		return PeerDownloadStats{}, false
	}
	return *s, true
}

func (st *statsTable) snapshot() map[string]PeerDownloadStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]PeerDownloadStats, len(st.stats))
	for k, v := range st.stats {
		out[k] = *v
	}
	return out
}

func (st *statsTable) activeIds() []common.NodeId {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]common.NodeId, 0, len(st.stats))
	for _, s := range st.stats {
		if s.Active {
			out = append(out, s.PeerId)
		}
	}
	return out
}

func (st *statsTable) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.stats)
}

// pickPeer selects the peer for the next chunk: with probability 0.7
// pick the fastest active peer by EMA speed; with probability 0.3 pick uniformly
// from the top half by speed among the given candidates. Ordering among equal-speed
// peers is broken deterministically via anacrolix/multiless.
func (st *statsTable) pickPeer(candidates []common.NodeId) (common.NodeId, bool) {
	st.mu.Lock()
	type scored struct {
		id    common.NodeId
		speed float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		s, ok := st.stats[id.String()]
		if !ok || !s.Active {
			continue
		}
		ranked = append(ranked, scored{id: id, speed: s.EMASpeed})
	}
	st.mu.Unlock()

	if len(ranked) == 0 {
		return common.NodeId{}, false
	}
	sort.Slice(ranked, func(i, j int) bool {
		// Scale speed (bytes/sec) into integer milli-units and chain a deterministic
		// NodeId-prefix tiebreaker.
		si, sj := int64(ranked[i].speed*1000), int64(ranked[j].speed*1000)
		ti, tj := nodeIdSortKey(ranked[i].id), nodeIdSortKey(ranked[j].id)
		return multiless.New().Int64(sj, si).Int64(ti, tj).Less()
	})

	if st.rng.Float64() < 0.7 {
		return ranked[0].id, true
	}
	half := (len(ranked) + 1) / 2
	if half < 1 {
		half = 1
	}
	pick := st.rng.Intn(half)
	return ranked[pick].id, true
}

// slowPeerEviction deactivates laggards: any active peer with speed <
// threshold*average is deactivated, unless doing so would drop below
// min(3, totalPeers) active; in that case the fastest inactive peers are
// reactivated with a reset failure count to make up the floor.
func (st *statsTable) slowPeerEviction(threshold float64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var activeSpeedSum float64
	var activeCount int
	for _, s := range st.stats {
		if s.Active {
			activeSpeedSum += s.EMASpeed
			activeCount++
		}
	}
	if activeCount == 0 {
		return
	}
	avg := activeSpeedSum / float64(activeCount)

	floor := 3
	if len(st.stats) < floor {
		floor = len(st.stats)
	}

	var toEvict []*PeerDownloadStats
	for _, s := range st.stats {
		if s.Active && s.EMASpeed < threshold*avg {
			toEvict = append(toEvict, s)
		}
	}
	for _, s := range toEvict {
		remaining := activeCount - 1
		if remaining < floor {
			break // keep this one; evicting would breach the active floor
		}
		s.Active = false
		activeCount--
	}

	if activeCount < floor {
		var inactive []*PeerDownloadStats
		for _, s := range st.stats {
			if !s.Active {
				inactive = append(inactive, s)
			}
		}
		sort.Slice(inactive, func(i, j int) bool { return inactive[i].EMASpeed > inactive[j].EMASpeed })
		for _, s := range inactive {
			if activeCount >= floor {
				break
			}
			s.Active = true
			s.ConsecutiveFailures = 0
			activeCount++
		}
	}
}
