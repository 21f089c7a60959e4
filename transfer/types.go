// Package transfer implements the multi-peer transfer engine: a
// BitTorrent-style parallel chunk downloader with rarest-first piece selection,
// endgame duplication, adaptive concurrency, slow-peer eviction, and end-to-end
// hash verification. It sits at the top of the dependency order — it
// consumes the NAT traversal manager, the peer discovery manager, and the content
// availability manager without owning any of them.
package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/nat"
)

// Sentinel errors for the failure modes this package is the source of.
var (
	// ErrIntegrityFailed is returned when the reassembled file's SHA-256 does not
	// match the expected ContentHash. Chunk files are preserved for resume.
	ErrIntegrityFailed = errors.New("transfer: integrity check failed")
	// ErrInsufficientPeers is returned when no connected peer ever answers a
	// metadata request.
	ErrInsufficientPeers = errors.New("transfer: insufficient peers")
	// ErrChunkAbandoned is returned when a chunk exhausts its attempt budget
	// (2 x peerCount) without succeeding.
	ErrChunkAbandoned = errors.New("transfer: chunk abandoned after exhausting attempts")
	// ErrNoPeers is returned by DownloadFile when called with an empty peer list.
	ErrNoPeers = errors.New("transfer: no peers supplied")
	// ErrCancelled is returned when the caller's context is done before the
	// download completes.
	ErrCancelled = errors.New("transfer: cancelled")

	// ErrConfigurationInvalid mirrors common.ErrConfigurationInvalid for this
	// package's own boundary checks.
	ErrConfigurationInvalid = common.ErrConfigurationInvalid
)

// ChunkStatus is the closed three-state chunk lifecycle: pending -> in-flight ->
// complete, with in-flight allowed to revert to pending on failure. Complete is
// terminal.
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkInFlight
	ChunkComplete
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// FileDescriptor is the negotiated shape of the content being downloaded.
// Immutable once negotiated.
type FileDescriptor struct {
	Hash       common.ContentHash
	TotalBytes int64
	ChunkSize  int64
	ChunkCount uint32
	Metadata   map[string]string
}

// NewFileDescriptor computes ChunkCount = ceil(TotalBytes/ChunkSize).
func NewFileDescriptor(hash common.ContentHash, totalBytes, chunkSize int64) FileDescriptor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	count := totalBytes / chunkSize
	if totalBytes%chunkSize != 0 {
		count++
	}
	return FileDescriptor{Hash: hash, TotalBytes: totalBytes, ChunkSize: chunkSize, ChunkCount: uint32(count)}
}

// chunkLen returns the byte length of chunk index i, accounting for a short final
// chunk.
func (fd FileDescriptor) chunkLen(i uint32) int64 {
	start := int64(i) * fd.ChunkSize
	remaining := fd.TotalBytes - start
	if remaining > fd.ChunkSize {
		return fd.ChunkSize
	}
	return remaining
}

// chunkState is one chunk's scheduling state, owned exclusively by a single
// download's scheduler goroutine.
type chunkState struct {
	status   ChunkStatus
	attempts int
}

// PeerDownloadStats is the per-download, per-peer transfer bookkeeping.
type PeerDownloadStats struct {
	PeerId              common.NodeId
	BytesDownloaded     int64
	ChunksDownloaded    int64
	Active              bool
	ConsecutiveFailures int
	EMASpeed            float64 // bytes/sec
	Method              nat.Method
	LastChunkAt         time.Time
}

// DownloadResult is DownloadFile's return value.
type DownloadResult struct {
	Path              string
	PeerStats         map[string]PeerDownloadStats // keyed by PeerId.String()
	AverageSpeed      float64                      // bytes/sec across the whole download
	TotalTime         time.Duration
	ConnectionMethods map[string]nat.Method // keyed by PeerId.String()
}

// DefaultChunkSize is the chunk size used when Options.ChunkSize is unset.
const DefaultChunkSize = 64 * 1024

// Options configures a single DownloadFile call. Fields left at zero are
// replaced with the documented default by setDefaults.
type Options struct {
	ChunkSize               int64
	Concurrency             int
	MinConcurrency          int
	MaxConcurrency          int
	PeerTimeout             time.Duration
	BandwidthCheckInterval  time.Duration
	SlowPeerThreshold       float64
	EnableContinuousDiscovery bool
	MaxPeersToConnect       int
	WorkDir                 string // directory for chunk files and the final output
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 2
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 20
	}
	if o.MaxConcurrency < o.MinConcurrency {
		o.MaxConcurrency = o.MinConcurrency
	}
	if o.Concurrency <= 0 {
		o.Concurrency = o.MinConcurrency
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = 30 * time.Second
	}
	if o.BandwidthCheckInterval <= 0 {
		o.BandwidthCheckInterval = 5 * time.Second
	}
	if o.SlowPeerThreshold <= 0 {
		o.SlowPeerThreshold = 0.5
	}
	if o.MaxPeersToConnect <= 0 {
		o.MaxPeersToConnect = 10
	}
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
}

// initialConcurrency seeds the adaptive-concurrency budget from file size: linear
// interpolation between MinConcurrency (<1MB) and MaxConcurrency (>100MB).
func (o Options) initialConcurrency(totalBytes int64) int {
	const (
		lowBytes  = 1 << 20
		highBytes = 100 << 20
	)
	switch {
	case totalBytes <= lowBytes:
		return o.MinConcurrency
	case totalBytes >= highBytes:
		return o.MaxConcurrency
	default:
		frac := float64(totalBytes-lowBytes) / float64(highBytes-lowBytes)
		span := float64(o.MaxConcurrency - o.MinConcurrency)
		v := o.MinConcurrency + int(frac*span)
		if v < o.MinConcurrency {
			v = o.MinConcurrency
		}
		if v > o.MaxConcurrency {
			v = o.MaxConcurrency
		}
		return v
	}
}

// endgameThreshold is the completion fraction that switches the scheduler
// into endgame mode.
const endgameThreshold = 0.95

// endgameFanout is how many peers an outstanding endgame chunk is requested from.
const endgameFanout = 3

func validateOptions(peers []PeerCandidate) error {
	if len(peers) == 0 {
		return fmt.Errorf("%w", ErrNoPeers)
	}
	return nil
}
