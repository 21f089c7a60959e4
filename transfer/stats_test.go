package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/nat"
)

func TestStatsEMAUpdate(t *testing.T) {
	st := newStatsTable()
	p := nodeIdFrom(1)
	st.addPeer(p, nat.MethodDirect)

	// 1000 bytes in 1s seeds the EMA directly.
	st.recordSuccess(p, 1000, time.Second)
	s, ok := st.get(p)
	require.True(t, ok)
	assert.InDelta(t, 1000, s.EMASpeed, 0.01)

	// 2000 bytes/s blends: 0.7*1000 + 0.3*2000 = 1300.
	st.recordSuccess(p, 2000, time.Second)
	s, _ = st.get(p)
	assert.InDelta(t, 1300, s.EMASpeed, 0.01)
	assert.EqualValues(t, 3000, s.BytesDownloaded)
	assert.EqualValues(t, 2, s.ChunksDownloaded)
}

func TestStatsThreeConsecutiveFailuresDeactivate(t *testing.T) {
	st := newStatsTable()
	p := nodeIdFrom(2)
	st.addPeer(p, nat.MethodUDPPunch)

	st.recordFailure(p)
	st.recordFailure(p)
	s, _ := st.get(p)
	assert.True(t, s.Active)

	st.recordFailure(p)
	s, _ = st.get(p)
	assert.False(t, s.Active)

	// A success resets the streak and reactivates.
	st.recordSuccess(p, 100, time.Second)
	s, _ = st.get(p)
	assert.True(t, s.Active)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestSlowPeerEvictionKeepsActiveFloor(t *testing.T) {
	st := newStatsTable()
	fast1, fast2, slow := nodeIdFrom(1), nodeIdFrom(2), nodeIdFrom(3)
	for _, p := range []struct {
		id    common.NodeId
		speed int64
	}{{fast1, 100000}, {fast2, 90000}, {slow, 100}} {
		st.addPeer(p.id, nat.MethodDirect)
		st.recordSuccess(p.id, p.speed, time.Second)
	}

	st.slowPeerEviction(0.5)

	// With three total peers the floor is min(3, 3) = 3, so even the laggard
	// stays active.
	for _, id := range []common.NodeId{fast1, fast2, slow} {
		s, _ := st.get(id)
		assert.True(t, s.Active, "eviction must never drop below the active floor")
	}
}

func TestSlowPeerEvictionDeactivatesLaggard(t *testing.T) {
	st := newStatsTable()
	ids := []common.NodeId{nodeIdFrom(1), nodeIdFrom(2), nodeIdFrom(3), nodeIdFrom(4)}
	speeds := []int64{100000, 90000, 80000, 10}
	for i, id := range ids {
		st.addPeer(id, nat.MethodDirect)
		st.recordSuccess(id, speeds[i], time.Second)
	}

	st.slowPeerEviction(0.5)

	s, _ := st.get(ids[3])
	assert.False(t, s.Active, "a peer far below half the average speed is evicted")
	for _, id := range ids[:3] {
		s, _ := st.get(id)
		assert.True(t, s.Active)
	}
}

func TestPickPeerPrefersFastest(t *testing.T) {
	st := newStatsTable()
	fast, slow := nodeIdFrom(1), nodeIdFrom(2)
	st.addPeer(fast, nat.MethodDirect)
	st.addPeer(slow, nat.MethodDirect)
	st.recordSuccess(fast, 100000, time.Second)
	st.recordSuccess(slow, 100, time.Second)

	// The deterministic test RNG still picks the fastest peer most of the time.
	fastPicks := 0
	for i := 0; i < 100; i++ {
		id, ok := st.pickPeer([]common.NodeId{fast, slow})
		require.True(t, ok)
		if id == fast {
			fastPicks++
		}
	}
	assert.Greater(t, fastPicks, 60)
}

func TestPickPeerSkipsInactive(t *testing.T) {
	st := newStatsTable()
	active, inactive := nodeIdFrom(1), nodeIdFrom(2)
	st.addPeer(active, nat.MethodDirect)
	st.addPeer(inactive, nat.MethodDirect)
	for i := 0; i < maxConsecutiveFailures; i++ {
		st.recordFailure(inactive)
	}

	for i := 0; i < 20; i++ {
		id, ok := st.pickPeer([]common.NodeId{active, inactive})
		require.True(t, ok)
		assert.Equal(t, active, id, "no chunk may be scheduled to an inactive peer")
	}
}
