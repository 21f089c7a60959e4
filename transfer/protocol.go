package transfer

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/nat"
)

// msgOp is the wire-level operation tag for the transfer engine's peer protocol,
// deliberately mirroring the small JSON-framing style overlay.WebSocketClient uses
// for the signaling overlay.
type msgOp string

const (
	opMetadataRequest  msgOp = "metadata_req"
	opMetadataResponse msgOp = "metadata_resp"
	opBitmapRequest    msgOp = "bitmap_req"
	opBitmapResponse   msgOp = "bitmap_resp"
	opChunkRequest     msgOp = "chunk_req"
	opChunkResponse    msgOp = "chunk_resp"
	opChunkCancel      msgOp = "chunk_cancel"
)

// frame is the single wire message shape for every op above; unused fields are
// omitted by the `omitempty` tags.
type frame struct {
	Op         msgOp  `json:"op"`
	ReqId      uint64 `json:"reqId"`
	Hash       string `json:"hash,omitempty"`
	TotalBytes int64  `json:"totalBytes,omitempty"`
	ChunkSize  int64  `json:"chunkSize,omitempty"`
	ChunkCount uint32 `json:"chunkCount,omitempty"`
	Bitmap     []byte `json:"bitmap,omitempty"` // serialized roaring.Bitmap
	ChunkIndex uint32 `json:"chunkIndex,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Ok         bool   `json:"ok,omitempty"`
	Err        string `json:"err,omitempty"`
}

// peerLink wraps a single connected transport in the small request/response
// protocol the transfer engine speaks: metadata negotiation, bitmap exchange, and
// chunk fetch. One peerLink is held per connected peer for the life of a download.
type peerLink struct {
	id     common.NodeId
	conn   net.Conn
	method nat.Method
	enc    *json.Encoder
	dec    *json.Decoder

	writeMu sync.Mutex

	mu        sync.Mutex
	nextReq   uint64
	pending   map[uint64]chan frame
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newPeerLink(id common.NodeId, conn net.Conn, method nat.Method) *peerLink {
	l := &peerLink{
		id:      id,
		conn:    conn,
		method:  method,
		enc:     json.NewEncoder(conn),
		dec:     json.NewDecoder(conn),
		pending: make(map[uint64]chan frame),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *peerLink) readLoop() {
	for {
		var f frame
		if err := l.dec.Decode(&f); err != nil {
			l.failAll(err)
			return
		}
		l.mu.Lock()
		ch, ok := l.pending[f.ReqId]
		if ok {
			delete(l.pending, f.ReqId)
		}
		l.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (l *peerLink) failAll(err error) {
	l.mu.Lock()
	if l.closeErr == nil {
		l.closeErr = err
	}
	pending := l.pending
	l.pending = make(map[uint64]chan frame)
	l.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	l.closeOnce.Do(func() { close(l.closed) })
}

// call sends req with a fresh request id, waits for the matching response until
// deadline elapses or the link closes, and returns it.
func (l *peerLink) call(deadline time.Duration, req frame) (frame, error) {
	l.mu.Lock()
	if l.closeErr != nil {
		err := l.closeErr
		l.mu.Unlock()
		return frame{}, fmt.Errorf("transfer: peer link closed: %w", err)
	}
	l.nextReq++
	req.ReqId = l.nextReq
	ch := make(chan frame, 1)
	l.pending[req.ReqId] = ch
	l.mu.Unlock()

	l.writeMu.Lock()
	err := l.enc.Encode(req)
	l.writeMu.Unlock()
	if err != nil {
		l.mu.Lock()
		delete(l.pending, req.ReqId)
		l.mu.Unlock()
		return frame{}, fmt.Errorf("transfer: encode request: %w", err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("transfer: peer link closed while waiting for response")
		}
		return resp, nil
	case <-timer.C:
		l.mu.Lock()
		delete(l.pending, req.ReqId)
		l.mu.Unlock()
		return frame{}, fmt.Errorf("transfer: request timed out after %s", deadline)
	case <-l.closed:
		return frame{}, fmt.Errorf("transfer: peer link closed: %w", l.closeErr)
	}
}

// RequestMetadata asks the peer for file metadata.
func (l *peerLink) RequestMetadata(hash common.ContentHash, timeout time.Duration) (FileDescriptor, error) {
	resp, err := l.call(timeout, frame{Op: opMetadataRequest, Hash: hash.String()})
	if err != nil {
		return FileDescriptor{}, err
	}
	if !resp.Ok {
		return FileDescriptor{}, fmt.Errorf("transfer: metadata request refused: %s", resp.Err)
	}
	return FileDescriptor{Hash: hash, TotalBytes: resp.TotalBytes, ChunkSize: resp.ChunkSize, ChunkCount: resp.ChunkCount}, nil
}

// RequestBitmap asks the peer which chunk indices it holds.
func (l *peerLink) RequestBitmap(hash common.ContentHash, timeout time.Duration) ([]byte, error) {
	resp, err := l.call(timeout, frame{Op: opBitmapRequest, Hash: hash.String()})
	if err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, fmt.Errorf("transfer: bitmap request refused: %s", resp.Err)
	}
	return resp.Bitmap, nil
}

// RequestChunk fetches a single chunk's bytes.
func (l *peerLink) RequestChunk(hash common.ContentHash, index uint32, timeout time.Duration) ([]byte, error) {
	resp, err := l.call(timeout, frame{Op: opChunkRequest, Hash: hash.String(), ChunkIndex: index})
	if err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, fmt.Errorf("transfer: chunk %d refused: %s", index, resp.Err)
	}
	return resp.Data, nil
}

func (l *peerLink) Close() error {
	l.failAll(io.EOF)
	return l.conn.Close()
}

// serveOne answers a single inbound frame against a local content source. Used by
// test fakes and by any peer-serving side this module is embedded into; the
// downloader role (the side this package drives in production) never calls it.
func serveOne(enc *json.Encoder, req frame, source ContentSource) error {
	switch req.Op {
	case opMetadataRequest:
		hash, err := common.ParseContentHash(req.Hash)
		if err != nil {
			return enc.Encode(frame{Op: opMetadataResponse, ReqId: req.ReqId, Ok: false, Err: err.Error()})
		}
		fd, ok := source.Describe(hash)
		if !ok {
			return enc.Encode(frame{Op: opMetadataResponse, ReqId: req.ReqId, Ok: false, Err: "unknown content"})
		}
		return enc.Encode(frame{Op: opMetadataResponse, ReqId: req.ReqId, Ok: true, TotalBytes: fd.TotalBytes, ChunkSize: fd.ChunkSize, ChunkCount: fd.ChunkCount})
	case opBitmapRequest:
		hash, err := common.ParseContentHash(req.Hash)
		if err != nil {
			return enc.Encode(frame{Op: opBitmapResponse, ReqId: req.ReqId, Ok: false, Err: err.Error()})
		}
		bm, ok := source.Bitmap(hash)
		if !ok {
			return enc.Encode(frame{Op: opBitmapResponse, ReqId: req.ReqId, Ok: false, Err: "unknown content"})
		}
		return enc.Encode(frame{Op: opBitmapResponse, ReqId: req.ReqId, Ok: true, Bitmap: bm})
	case opChunkRequest:
		hash, err := common.ParseContentHash(req.Hash)
		if err != nil {
			return enc.Encode(frame{Op: opChunkResponse, ReqId: req.ReqId, Ok: false, Err: err.Error()})
		}
		data, err := source.ReadChunk(hash, req.ChunkIndex)
		if err != nil {
			return enc.Encode(frame{Op: opChunkResponse, ReqId: req.ReqId, Ok: false, Err: err.Error()})
		}
		return enc.Encode(frame{Op: opChunkResponse, ReqId: req.ReqId, Ok: true, ChunkIndex: req.ChunkIndex, Data: data})
	default:
		return fmt.Errorf("transfer: unsupported op %s", req.Op)
	}
}

// ContentSource is what a peer-serving side implements to answer metadata, bitmap,
// and chunk requests. The engine itself only consumes peerLink as a client; this
// interface exists so tests (and any future seeding mode) can drive serveOne.
type ContentSource interface {
	Describe(hash common.ContentHash) (FileDescriptor, bool)
	Bitmap(hash common.ContentHash) ([]byte, bool)
	ReadChunk(hash common.ContentHash, index uint32) ([]byte, error)
}

// ServeConn runs serveOne in a loop against conn until it errors or closes, for a
// minimal in-process seeding side used by tests.
func ServeConn(conn net.Conn, source ContentSource) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req frame
		if err := dec.Decode(&req); err != nil {
			return
		}
		if err := serveOne(enc, req, source); err != nil {
			return
		}
	}
}
