package overlay

import (
	"context"
	"strings"
	"sync"
)

// LocalGraph is an in-process implementation of Graph, suitable for tests and for
// single-process deployments that don't need a real overlay hub. It honors the same
// weak ordering contract as a remote overlay: same-path updates converge
// last-writer-wins, and subscribers may observe duplicate deliveries.
type LocalGraph struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[string][]*localSub
	closed bool
}

type localSub struct {
	path   string
	prefix bool
	cb     Callback
}

// NewLocalGraph constructs an empty in-memory overlay graph.
func NewLocalGraph() *LocalGraph {
	return &LocalGraph{
		values: make(map[string][]byte),
		subs:   make(map[string][]*localSub),
	}
}

func (g *LocalGraph) Get(ctx context.Context, path string) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Handle{}, ErrUnavailable
	}
	v, ok := g.values[path]
	return Handle{Path: path, Value: v, Exists: ok}, nil
}

func (g *LocalGraph) Put(ctx context.Context, path string, value []byte) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrUnavailable
	}
	g.values[path] = append([]byte(nil), value...)
	// Snapshot matching subscribers before releasing the lock so callbacks never
	// run while holding it (a callback may itself call back into the graph).
	var matched []*localSub
	for _, sub := range g.subs[path] {
		matched = append(matched, sub)
	}
	for prefixPath, subs := range g.subs {
		if prefixPath == path {
			continue
		}
		for _, sub := range subs {
			if sub.prefix && strings.HasPrefix(path, sub.path) {
				matched = append(matched, sub)
			}
		}
	}
	g.mu.Unlock()

	for _, sub := range matched {
		sub.cb(path, value)
	}
	return nil
}

func (g *LocalGraph) Subscribe(ctx context.Context, path string, prefix bool, cb Callback) (Subscription, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrUnavailable
	}
	sub := &localSub{path: path, prefix: prefix, cb: cb}
	g.subs[path] = append(g.subs[path], sub)
	// Converge the new subscriber to present state: replay matching values that
	// were published before it registered.
	type kv struct {
		path  string
		value []byte
	}
	var replay []kv
	for p, v := range g.values {
		if p == path || (prefix && strings.HasPrefix(p, path)) {
			replay = append(replay, kv{path: p, value: v})
		}
	}
	g.mu.Unlock()

	for _, e := range replay {
		cb(e.path, e.value)
	}
	return &localSubscription{graph: g, key: path, sub: sub}, nil
}

func (g *LocalGraph) Once(ctx context.Context, path string, cb Callback) error {
	g.mu.Lock()
	v, ok := g.values[path]
	g.mu.Unlock()
	if ok {
		cb(path, v)
		return nil
	}
	sub, err := g.Subscribe(ctx, path, false, func(p string, v []byte) {
		cb(p, v)
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return nil
}

func (g *LocalGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.subs = make(map[string][]*localSub)
	return nil
}

type localSubscription struct {
	graph *LocalGraph
	key   string
	sub   *localSub
}

func (s *localSubscription) Close() error {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	subs := s.graph.subs[s.key]
	for i, sub := range subs {
		if sub == s.sub {
			s.graph.subs[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
