package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsOldest(t *testing.T) {
	c := NewLRU[string, int](2, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestLRUTouchOnGetPreventsEviction(t *testing.T) {
	c := NewLRU[string, int](2, 0)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // "a" now most-recently-used
	c.Put("c", 3) // evicts "b", not "a"

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU[string, int](10, time.Millisecond)
	c.Put("a", 1)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok, "expired entry should not be returned")
}

func TestLRURemoveExpiredSweep(t *testing.T) {
	c := NewLRU[string, int](10, time.Millisecond)
	c.Put("a", 1)
	c.Put("b", 2)
	time.Sleep(5 * time.Millisecond)
	removed := c.RemoveExpired(time.Now())
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.Len())
}

func TestCountingBloomFilterAddRemove(t *testing.T) {
	f := NewCountingBloomFilter(1<<10, 4)
	assert.False(t, f.Contains("x"))
	f.Add("x")
	assert.True(t, f.Contains("x"))
	f.Remove("x")
	assert.False(t, f.Contains("x"))
}
