package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/anacrolix/log"
	"github.com/gorilla/websocket"

	"github.com/dannyzb/dignat/version"
)

// frameOp is the wire-level operation tag for a WebSocketClient frame.
type frameOp string

const (
	opGet       frameOp = "get"
	opGetReply  frameOp = "get_reply"
	opPut       frameOp = "put"
	opSub       frameOp = "sub"
	opUnsub     frameOp = "unsub"
	opNotify    frameOp = "notify"
)

type frame struct {
	Op     frameOp         `json:"op"`
	Path   string          `json:"path"`
	Prefix bool            `json:"prefix,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Exists bool            `json:"exists,omitempty"`
	ReqId  uint64          `json:"reqId,omitempty"`
}

// WebSocketClient is a concrete Graph transport that speaks a small JSON framing
// protocol to an external signaling-overlay hub over a websocket connection. The
// hub implementation itself is outside this module's scope; this client only
// needs the hub to echo back "notify" frames for subscribed paths and "get_reply"
// frames for one-shot reads.
type WebSocketClient struct {
	conn   *websocket.Conn
	logger log.Logger

	mu        sync.Mutex
	nextReqId uint64
	pending   map[uint64]chan frame
	subs      map[string][]*wsSub
	closed    bool
	writeMu   sync.Mutex
}

type wsSub struct {
	path   string
	prefix bool
	cb     Callback
}

// DialWebSocket connects to a signaling overlay hub at url.
func DialWebSocket(url string, logger log.Logger) (*WebSocketClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{
		"User-Agent": {version.DefaultHttpUserAgent},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial overlay hub: %v", ErrUnavailable, err)
	}
	c := &WebSocketClient{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan frame),
		subs:    make(map[string][]*wsSub),
	}
	go c.readLoop()
	return c, nil
}

func (c *WebSocketClient) readLoop() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.logger.Levelf(log.Debug, "overlay websocket closed: %v", err)
			c.failPending()
			return
		}
		switch f.Op {
		case opGetReply:
			c.mu.Lock()
			ch, ok := c.pending[f.ReqId]
			delete(c.pending, f.ReqId)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case opNotify:
			c.dispatch(f.Path, f.Value)
		}
	}
}

func (c *WebSocketClient) dispatch(path string, value []byte) {
	c.mu.Lock()
	var matched []*wsSub
	for _, sub := range c.subs[path] {
		matched = append(matched, sub)
	}
	for subPath, subs := range c.subs {
		if subPath == path {
			continue
		}
		for _, sub := range subs {
			if sub.prefix && strings.HasPrefix(path, sub.path) {
				matched = append(matched, sub)
			}
		}
	}
	c.mu.Unlock()
	for _, sub := range matched {
		sub.cb(path, value)
	}
}

func (c *WebSocketClient) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *WebSocketClient) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *WebSocketClient) Get(ctx context.Context, path string) (Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handle{}, ErrUnavailable
	}
	c.nextReqId++
	reqId := c.nextReqId
	ch := make(chan frame, 1)
	c.pending[reqId] = ch
	c.mu.Unlock()

	if err := c.send(frame{Op: opGet, Path: path, ReqId: reqId}); err != nil {
		return Handle{}, err
	}
	select {
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return Handle{}, ErrUnavailable
		}
		return Handle{Path: path, Value: f.Value, Exists: f.Exists}, nil
	}
}

func (c *WebSocketClient) Put(ctx context.Context, path string, value []byte) error {
	return c.send(frame{Op: opPut, Path: path, Value: json.RawMessage(value)})
}

func (c *WebSocketClient) Subscribe(ctx context.Context, path string, prefix bool, cb Callback) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	sub := &wsSub{path: path, prefix: prefix, cb: cb}
	c.subs[path] = append(c.subs[path], sub)
	c.mu.Unlock()

	if err := c.send(frame{Op: opSub, Path: path, Prefix: prefix}); err != nil {
		return nil, err
	}
	return &wsSubscription{client: c, key: path, sub: sub}, nil
}

func (c *WebSocketClient) Once(ctx context.Context, path string, cb Callback) error {
	deadlineCtx, cancel := context.WithCancel(ctx)
	sub, err := c.Subscribe(deadlineCtx, path, false, func(p string, v []byte) {
		cb(p, v)
	})
	if err != nil {
		cancel()
		return err
	}
	go func() {
		<-deadlineCtx.Done()
		sub.Close()
		cancel()
	}()
	return nil
}

func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

type wsSubscription struct {
	client *WebSocketClient
	key    string
	sub    *wsSub
}

func (s *wsSubscription) Close() error {
	s.client.mu.Lock()
	subs := s.client.subs[s.key]
	for i, sub := range subs {
		if sub == s.sub {
			s.client.subs[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.client.mu.Unlock()
	return s.client.send(frame{Op: opUnsub, Path: s.key})
}
