package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalGraphPutGet(t *testing.T) {
	g := NewLocalGraph()
	ctx := context.Background()

	h, err := g.Get(ctx, "routing/abc")
	require.NoError(t, err)
	assert.False(t, h.Exists)

	require.NoError(t, g.Put(ctx, "routing/abc", []byte("hello")))
	h, err = g.Get(ctx, "routing/abc")
	require.NoError(t, err)
	assert.True(t, h.Exists)
	assert.Equal(t, "hello", string(h.Value))
}

func TestLocalGraphSubscribeExact(t *testing.T) {
	g := NewLocalGraph()
	ctx := context.Background()
	received := make(chan string, 1)

	sub, err := g.Subscribe(ctx, "content/deadbeef", false, func(path string, value []byte) {
		received <- string(value)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, g.Put(ctx, "content/deadbeef", []byte("peer1")))
	select {
	case v := <-received:
		assert.Equal(t, "peer1", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestLocalGraphSubscribePrefix(t *testing.T) {
	g := NewLocalGraph()
	ctx := context.Background()
	received := make(chan string, 4)

	sub, err := g.Subscribe(ctx, "routing/", true, func(path string, value []byte) {
		received <- path
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, g.Put(ctx, "routing/node1", []byte("a")))
	require.NoError(t, g.Put(ctx, "routing/node2", []byte("b")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-received:
			seen[p] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
	assert.True(t, seen["routing/node1"])
	assert.True(t, seen["routing/node2"])
}

func TestLocalGraphOnceFiresOnExistingValue(t *testing.T) {
	g := NewLocalGraph()
	ctx := context.Background()
	require.NoError(t, g.Put(ctx, "p", []byte("v")))

	received := make(chan string, 1)
	require.NoError(t, g.Once(ctx, "p", func(path string, value []byte) {
		received <- string(value)
	}))
	select {
	case v := <-received:
		assert.Equal(t, "v", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Once callback")
	}
}

func TestLocalGraphUnsubscribeStopsDelivery(t *testing.T) {
	g := NewLocalGraph()
	ctx := context.Background()
	count := 0
	sub, err := g.Subscribe(ctx, "p", false, func(path string, value []byte) {
		count++
	})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, g.Put(ctx, "p", []byte("v")))
	assert.Equal(t, 0, count)
}

func TestLocalGraphCloseRejectsFurtherOps(t *testing.T) {
	g := NewLocalGraph()
	ctx := context.Background()
	require.NoError(t, g.Close())
	_, err := g.Get(ctx, "p")
	assert.ErrorIs(t, err, ErrUnavailable)
}
