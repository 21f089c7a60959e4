package nat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/dignat/overlay"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		Graph:     overlay.NewLocalGraph(),
		LocalPort: 0,
	})
	t.Cleanup(m.Close)
	return m
}

func TestStrategyOrderDefaultsWhenNoRegistryEntry(t *testing.T) {
	m := newTestManager(t)
	order := m.strategyOrder("unknown-peer", time.Now())
	assert.Equal(t, defaultOrder, order)
}

func TestStrategyOrderPutsLearnedMethodFirst(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	m.reg.recordSuccess("peer-x", MethodICERelay, now)

	order := m.strategyOrder("peer-x", now)
	require.NotEmpty(t, order)
	assert.Equal(t, MethodICERelay, order[0])

	seen := make(map[Method]int)
	for _, meth := range order {
		seen[meth]++
	}
	for _, count := range seen {
		assert.Equal(t, 1, count, "no method should appear twice in the strategy order")
	}
}

func TestConnectFailsWithExhaustedErrorWhenNoMethodWorks(t *testing.T) {
	m := newTestManager(t)

	localId, remoteId := testNodeId(1), testNodeId(2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.Connect(ctx, localId, remoteId, Options{})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.NotEmpty(t, exhausted.Reasons)
	// MethodDirect is always attempted; with no KnownAddr configured it must fail.
	assert.Error(t, exhausted.Reasons[MethodDirect])
}

func TestPredictPortsStaysWithinValidRangeAndIncludesBase(t *testing.T) {
	ports := predictPorts(6881)
	require.NotEmpty(t, ports)

	found := false
	for _, p := range ports {
		assert.True(t, p > 0 && p < 65536)
		if p == 6881 {
			found = true
		}
	}
	assert.True(t, found, "predicted window should include the base port itself")
}

func testNodeId(b byte) (id [20]byte) {
	id[0] = b
	return id
}
