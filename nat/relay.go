package nat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dannyzb/dignat/overlay"
)

// relayFrame is one hop of tunneled data. Data rides the overlay's JSON encoding
// as base64. Seq lets the receiver drop the duplicates an at-least-once overlay
// may deliver.
type relayFrame struct {
	Seq  uint64 `json:"seq"`
	Data []byte `json:"data,omitempty"`
	Fin  bool   `json:"fin,omitempty"`
}

// relayPath addresses frames to `to` from `from`. Each side subscribes to its own
// inbound path and publishes on the peer's.
func relayPath(to, from string) string {
	return fmt.Sprintf("relay/%s_%s", to, from)
}

// overlayAddr satisfies net.Addr for connections that have no IP endpoint.
type overlayAddr struct{ id string }

func (a overlayAddr) Network() string { return "overlay" }
func (a overlayAddr) String() string  { return a.id }

// OverlayRelayConnect tunnels a byte stream through the signaling overlay. It is
// the last-resort method: throughput is bounded by the overlay hub, but it works
// from behind any NAT that can reach the hub at all.
func OverlayRelayConnect(ctx context.Context, graph overlay.Graph, localId, remoteId string) (net.Conn, error) {
	if _, err := awaitPeerReady(ctx, graph, "relay", localId, remoteId, &net.UDPAddr{IP: localOutboundIP()}); err != nil {
		return nil, err
	}

	c := &overlayRelayConn{
		graph:    graph,
		localId:  localId,
		remoteId: remoteId,
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	sub, err := graph.Subscribe(ctx, relayPath(localId, remoteId), false, c.onFrame)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

// overlayRelayConn is a net.Conn whose wire is the signaling overlay.
type overlayRelayConn struct {
	graph    overlay.Graph
	localId  string
	remoteId string
	sub      overlay.Subscription

	incoming chan []byte
	closed   chan struct{}

	mu        sync.Mutex
	pending   []byte // unread tail of the last delivered frame
	sendSeq   uint64
	recvSeq   uint64
	remoteFin bool
	isClosed  bool

	readDeadline time.Time
}

func (c *overlayRelayConn) onFrame(path string, value []byte) {
	var f relayFrame
	if json.Unmarshal(value, &f) != nil {
		return
	}
	c.mu.Lock()
	if f.Seq <= c.recvSeq && f.Seq != 0 {
		c.mu.Unlock()
		return // duplicate delivery
	}
	c.recvSeq = f.Seq
	if f.Fin {
		c.remoteFin = true
	}
	c.mu.Unlock()
	if f.Fin {
		select {
		case c.incoming <- nil:
		case <-c.closed:
		}
		return
	}
	select {
	case c.incoming <- f.Data:
	case <-c.closed:
	}
}

func (c *overlayRelayConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return n, nil
	}
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case data := <-c.incoming:
		if data == nil {
			return 0, io.EOF
		}
		n := copy(b, data)
		if n < len(data) {
			c.mu.Lock()
			c.pending = data[n:]
			c.mu.Unlock()
		}
		return n, nil
	case <-timeout:
		return 0, timeoutError{}
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *overlayRelayConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.sendSeq++
	f := relayFrame{Seq: c.sendSeq, Data: b}
	c.mu.Unlock()

	payload, err := json.Marshal(f)
	if err != nil {
		return 0, err
	}
	if err := c.graph.Put(context.Background(), relayPath(c.remoteId, c.localId), payload); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *overlayRelayConn) Close() error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.isClosed = true
	c.sendSeq++
	fin := relayFrame{Seq: c.sendSeq, Fin: true}
	c.mu.Unlock()

	if payload, err := json.Marshal(fin); err == nil {
		_ = c.graph.Put(context.Background(), relayPath(c.remoteId, c.localId), payload)
	}
	close(c.closed)
	return c.sub.Close()
}

func (c *overlayRelayConn) LocalAddr() net.Addr  { return overlayAddr{id: c.localId} }
func (c *overlayRelayConn) RemoteAddr() net.Addr { return overlayAddr{id: c.remoteId} }

func (c *overlayRelayConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *overlayRelayConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is accepted but unenforced: writes are single overlay puts
// that either succeed promptly or fail outright.
func (c *overlayRelayConn) SetWriteDeadline(t time.Time) error { return nil }

// timeoutError matches net package conventions for deadline expiry.
type timeoutError struct{}

func (timeoutError) Error() string   { return "nat: relay read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
