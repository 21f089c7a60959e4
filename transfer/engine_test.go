package transfer

import (
	"bytes"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/nat"
	"github.com/dannyzb/dignat/overlay"
)

// fakeSeeder is a ContentSource backed by an in-memory file, restricted to the
// subset of chunk indices "held" (simulating a peer that only has some pieces, for
// the rarest-first scenario), and optionally serving corrupt bytes for one index
// (for the integrity-failure scenario).
type fakeSeeder struct {
	fd      FileDescriptor
	content []byte
	held    map[uint32]bool // nil means "holds everything"
	corrupt map[uint32]bool
}

func (f *fakeSeeder) Describe(hash common.ContentHash) (FileDescriptor, bool) {
	if !hash.Equal(f.fd.Hash) {
		return FileDescriptor{}, false
	}
	return f.fd, true
}

func (f *fakeSeeder) Bitmap(hash common.ContentHash) ([]byte, bool) {
	if !hash.Equal(f.fd.Hash) {
		return nil, false
	}
	bm := roaring.New()
	for i := uint32(0); i < f.fd.ChunkCount; i++ {
		if f.held == nil || f.held[i] {
			bm.Add(i)
		}
	}
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func (f *fakeSeeder) ReadChunk(hash common.ContentHash, index uint32) ([]byte, error) {
	if !hash.Equal(f.fd.Hash) {
		return nil, os.ErrNotExist
	}
	if f.held != nil && !f.held[index] {
		return nil, os.ErrNotExist
	}
	start := int64(index) * f.fd.ChunkSize
	end := start + f.fd.chunkLen(index)
	data := append([]byte(nil), f.content[start:end]...)
	if f.corrupt[index] {
		for i := range data {
			data[i] ^= 0xff
		}
	}
	return data, nil
}

// serveLoop accepts connections on l and serves each with seeder until the
// listener is closed.
func serveLoop(t *testing.T, l net.Listener, seeder *fakeSeeder) {
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go ServeConn(conn, seeder)
		}
	}()
}

func startSeeder(t *testing.T, seeder *fakeSeeder) common.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	serveLoop(t, l, seeder)
	addr, err := common.ParseAddr(l.Addr().String())
	require.NoError(t, err)
	return addr
}

func nodeIdFrom(b byte) common.NodeId {
	var id common.NodeId
	id[0] = b
	return id
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mgr := nat.NewManager(nat.ManagerConfig{Graph: overlay.NewLocalGraph(), LocalPort: 0})
	t.Cleanup(mgr.Close)
	return NewEngine(EngineConfig{LocalId: nodeIdFrom(0xee), NAT: mgr})
}

func randomContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// Single peer, exact multiple of chunk size.
func TestDownloadFileSinglePeerExactMultiple(t *testing.T) {
	content := randomContent(262144)
	hash := common.HashBytes(content)
	fd := NewFileDescriptor(hash, int64(len(content)), 65536)
	require.EqualValues(t, 4, fd.ChunkCount)

	addr := startSeeder(t, &fakeSeeder{fd: fd, content: content})
	engine := newTestEngine(t)

	dir := t.TempDir()
	opts := Options{WorkDir: dir, ChunkSize: 65536}
	peers := []PeerCandidate{{NodeId: nodeIdFrom(1), Addr: addr}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	result, err := engine.DownloadFile(ctx, peers, hash.String(), opts)
	require.NoError(t, err)
	require.NotNil(t, result)

	got, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.Equal(t, nat.MethodDirect, result.ConnectionMethods[nodeIdFrom(1).String()])
}

// Endgame duplication across three peers.
func TestDownloadFileEndgameDuplication(t *testing.T) {
	const chunkCount = 20
	const chunkSize = 1024
	content := randomContent(chunkCount * chunkSize)
	hash := common.HashBytes(content)
	fd := NewFileDescriptor(hash, int64(len(content)), chunkSize)
	require.EqualValues(t, chunkCount, fd.ChunkCount)

	addr1 := startSeeder(t, &fakeSeeder{fd: fd, content: content})
	addr2 := startSeeder(t, &fakeSeeder{fd: fd, content: content})
	addr3 := startSeeder(t, &fakeSeeder{fd: fd, content: content})

	engine := newTestEngine(t)
	dir := t.TempDir()
	opts := Options{WorkDir: dir, ChunkSize: chunkSize, MaxConcurrency: 8}
	peers := []PeerCandidate{
		{NodeId: nodeIdFrom(1), Addr: addr1},
		{NodeId: nodeIdFrom(2), Addr: addr2},
		{NodeId: nodeIdFrom(3), Addr: addr3},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := engine.DownloadFile(ctx, peers, hash.String(), opts)
	require.NoError(t, err)

	got, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

// A single peer serves intentionally corrupt bytes for one chunk;
// the engine must surface ErrIntegrityFailed and leave the chunk file in place.
func TestDownloadFileIntegrityFailurePreservesChunks(t *testing.T) {
	const chunkCount = 4
	const chunkSize = 1024
	content := randomContent(chunkCount * chunkSize)
	hash := common.HashBytes(content)
	fd := NewFileDescriptor(hash, int64(len(content)), chunkSize)

	addr := startSeeder(t, &fakeSeeder{fd: fd, content: content, corrupt: map[uint32]bool{2: true}})
	engine := newTestEngine(t)

	dir := t.TempDir()
	opts := Options{WorkDir: dir, ChunkSize: chunkSize}
	peers := []PeerCandidate{{NodeId: nodeIdFrom(1), Addr: addr}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := engine.DownloadFile(ctx, peers, hash.String(), opts)
	require.ErrorIs(t, err, ErrIntegrityFailed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "chunk directory must be preserved on integrity failure")
}

// Boundary: zero-byte file produces zero chunks and the empty-string SHA-256.
func TestDownloadFileEmptyFile(t *testing.T) {
	hash := common.HashBytes(nil)
	fd := NewFileDescriptor(hash, 0, 65536)
	require.EqualValues(t, 0, fd.ChunkCount)

	addr := startSeeder(t, &fakeSeeder{fd: fd, content: nil})
	engine := newTestEngine(t)

	dir := t.TempDir()
	opts := Options{WorkDir: dir}
	peers := []PeerCandidate{{NodeId: nodeIdFrom(1), Addr: addr}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := engine.DownloadFile(ctx, peers, hash.String(), opts)
	require.NoError(t, err)
	got, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Empty(t, got)
}
