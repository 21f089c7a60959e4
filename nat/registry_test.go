package nat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPromotesAfterTwoSuccesses(t *testing.T) {
	r := newRegistry("")
	defer r.close()

	now := time.Now()
	r.recordSuccess("peer-a", MethodICERelay, now)

	r.mu.RLock()
	e := r.entries["peer-a"]
	r.mu.RUnlock()
	require.NotNil(t, e)
	assert.False(t, e.Preferred, "single success should not yet mark preferred")

	r.recordSuccess("peer-a", MethodICERelay, now.Add(time.Minute))

	r.mu.RLock()
	e = r.entries["peer-a"]
	r.mu.RUnlock()
	assert.True(t, e.Preferred)
}

func TestRegistryPreferredMethodRespectsTTL(t *testing.T) {
	r := newRegistry("")
	defer r.close()

	now := time.Now()
	r.recordSuccess("peer-b", MethodUDPPunch, now)

	meth, ok := r.preferredMethod("peer-b", now.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, MethodUDPPunch, meth)

	_, ok = r.preferredMethod("peer-b", now.Add(25*time.Hour))
	assert.False(t, ok, "entry older than TTL should no longer be preferred")
}

func TestRegistryFailureDemotesMethod(t *testing.T) {
	r := newRegistry("")
	defer r.close()

	now := time.Now()
	r.recordSuccess("peer-c", MethodTCPPunch, now)
	r.recordSuccess("peer-c", MethodTCPPunch, now.Add(time.Second))

	r.mu.RLock()
	require.True(t, r.entries["peer-c"].Preferred)
	r.mu.RUnlock()

	r.recordFailure("peer-c", MethodTCPPunch)

	r.mu.RLock()
	e := r.entries["peer-c"]
	r.mu.RUnlock()
	assert.False(t, e.Preferred)
	assert.Equal(t, 0, e.ConsecutiveOK)
}

func TestRegistryPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r := newRegistry(dir)
	now := time.Now()
	r.recordSuccess("peer-d", MethodICEHost, now)
	r.close()

	r2 := newRegistry(dir)
	defer r2.close()

	meth, ok := r2.preferredMethod("peer-d", now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, MethodICEHost, meth)
}

func TestRegistrySweepExpiredRemovesStaleEntries(t *testing.T) {
	r := newRegistry("")
	defer r.close()

	now := time.Now()
	r.recordSuccess("peer-e", MethodDirect, now.Add(-48*time.Hour))
	r.sweepExpired(now)

	_, ok := r.preferredMethod("peer-e", now)
	assert.False(t, ok)
}
